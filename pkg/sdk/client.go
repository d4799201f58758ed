// Package sdk is the client side of shelfd. Client implements engine.Engine
// over the line protocol, so a shelf Store can run against a remote daemon.
// Importing the package registers the "tcp" engine scheme.
package sdk

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/shelf/pkg/engine"
)

// MaxAttempts is how many times a command is sent before giving up.
const MaxAttempts = 3

// RemoteError is an ERR reply from the server. It is not retried.
type RemoteError struct {
	Msg string
}

func (e *RemoteError) Error() string {
	return "remote: " + e.Msg
}

func init() {
	engine.RegisterOpener(engine.SchemeTCP, func(loc engine.Location, o engine.Options) (engine.Engine, error) {
		c, err := Connect(loc.Path)
		if err != nil {
			return nil, err
		}
		c.logger = o.Logger
		return c, nil
	})
}

// Client is a remote engine served by shelfd.
type Client struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader
	logger *slog.Logger
	closed bool
	mu     sync.Mutex // Protects concurrent access to the connection
}

var _ engine.Engine = (*Client)(nil)

// Connect establishes a TLS-encrypted connection to a remote shelfd.
// If SHELF_DISABLE_TLS or CELERIX_DISABLE_TLS is "true", it falls back to
// plain TCP.
func Connect(addr string) (*Client, error) {
	c := &Client{addr: addr, logger: slog.Default()}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	var conn net.Conn
	var err error

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}

	if tlsDisabled() {
		conn, err = dialer.Dial("tcp", c.addr)
	} else {
		config := &tls.Config{
			InsecureSkipVerify: true, // shelfd uses a self-signed certificate
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr, config)
	}

	if err != nil {
		return err
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

func tlsDisabled() bool {
	return os.Getenv("SHELF_DISABLE_TLS") == "true" || os.Getenv("CELERIX_DISABLE_TLS") == "true"
}

// roundTrip sends one command line and returns the reply without its OK
// prefix. NOTFOUND becomes engine.ErrKeyNotFound.
func (c *Client) roundTrip(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", engine.ErrClosed
	}

	var err error
	var resp string

	// Try up to MaxAttempts times with exponential backoff
	for i := 0; i < MaxAttempts; i++ {
		if c.conn == nil {
			if reconnectErr := c.reconnect(); reconnectErr != nil {
				err = fmt.Errorf("reconnect failed: %w", reconnectErr)
				time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
				continue
			}
		}

		c.conn.SetDeadline(time.Now().Add(30 * time.Second))

		_, err = fmt.Fprint(c.conn, cmd+"\n")
		if err == nil {
			resp, err = c.reader.ReadString('\n')
			if err == nil {
				return parseReply(strings.TrimSpace(resp))
			}
		}

		c.logger.Warn("shelf sdk: attempt failed, reconnecting", "attempt", i+1, "addr", c.addr, "err", err)

		// Force a reconnect on the next iteration
		if closeErr := c.reconnect(); closeErr != nil {
			c.logger.Warn("shelf sdk: reconnect failed", "addr", c.addr, "err", closeErr)
		}

		// Wait before retrying (exponential backoff)
		time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
	}

	return "", fmt.Errorf("failed after %d attempts. last error: %w", MaxAttempts, err)
}

func parseReply(resp string) (string, error) {
	switch {
	case resp == ReplyNotFound:
		return "", engine.ErrKeyNotFound
	case resp == ReplyOK, resp == ReplyPong:
		return "", nil
	case strings.HasPrefix(resp, ReplyOK+" "):
		return strings.TrimPrefix(resp, ReplyOK+" "), nil
	case strings.HasPrefix(resp, ReplyErr):
		return "", &RemoteError{Msg: strings.TrimSpace(strings.TrimPrefix(resp, ReplyErr))}
	default:
		return "", fmt.Errorf("unexpected reply %q", resp)
	}
}

func (c *Client) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, engine.ErrKeyNotFound
	}
	resp, err := c.roundTrip(CmdGet + " " + EncodeArg(key))
	if err != nil {
		return nil, err
	}
	var val []byte
	if err := json.Unmarshal([]byte(resp), &val); err != nil {
		return nil, fmt.Errorf("decode GET reply: %w", err)
	}
	if val == nil {
		val = []byte{}
	}
	return val, nil
}

func (c *Client) Set(key, value []byte) error {
	if len(key) == 0 {
		return engine.ErrEmptyKey
	}
	_, err := c.roundTrip(CmdSet + " " + EncodeArg(key) + " " + EncodeArg(value))
	return err
}

func (c *Client) Delete(key []byte) error {
	if len(key) == 0 {
		return engine.ErrKeyNotFound
	}
	_, err := c.roundTrip(CmdDel + " " + EncodeArg(key))
	return err
}

// Scan fetches every matching entry in one reply and then calls fn, so fn
// may use the client.
func (c *Client) Scan(prefix []byte, fn func(k, v []byte) error) error {
	resp, err := c.roundTrip(CmdScan + " " + EncodeArg(prefix))
	if err != nil {
		return err
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(resp), &entries); err != nil {
		return fmt.Errorf("decode SCAN reply: %w", err)
	}
	for _, e := range entries {
		if e.Value == nil {
			e.Value = []byte{}
		}
		if err := fn(e.Key, e.Value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) Apply(ops []engine.Op) error {
	if len(ops) == 0 {
		return nil
	}
	for i, op := range ops {
		if len(op.Key) == 0 {
			return fmt.Errorf("batch op %d: %w", i, engine.ErrEmptyKey)
		}
	}
	data, err := json.Marshal(EncodeOps(ops))
	if err != nil {
		return err
	}
	_, err = c.roundTrip(CmdApply + " " + string(data))
	return err
}

func (c *Client) Sync() error {
	_, err := c.roundTrip(CmdSync)
	return err
}

// Ping checks that the server answers.
func (c *Client) Ping() error {
	_, err := c.roundTrip(CmdPing)
	return err
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, CmdQuit)
	err := c.conn.Close()
	c.conn = nil
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
