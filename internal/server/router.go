// Package server exposes an engine over the shelf line protocol.
package server

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/shelf/pkg/engine"
	"github.com/celerix-dev/shelf/pkg/sdk"
)

const (
	// MaxConnections bounds the connections served at once.
	MaxConnections = 100
	// ConnTimeout is the lifetime of one connection.
	ConnTimeout = 5 * time.Minute
	// CommandTimeout is how long the server waits for the next command.
	CommandTimeout = 30 * time.Second
)

type Router struct {
	engine engine.Engine
	cert   *tls.Certificate
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

func NewRouter(e engine.Engine) *Router {
	return &Router{engine: e, logger: slog.Default()}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// SetLogger replaces the default logger.
func (r *Router) SetLogger(l *slog.Logger) {
	r.logger = l
}

// Listen opens addr, with TLS when a certificate is set, and serves until
// Stop is called.
func (r *Router) Listen(addr string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}, MinVersion: tls.VersionTLS12}
		listener, err = tls.Listen("tcp", addr, config)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return err
	}
	return r.Serve(listener)
}

// Serve accepts connections on ln until Stop is called. It returns nil
// after Stop.
func (r *Router) Serve(ln net.Listener) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		ln.Close()
		return nil
	}
	r.listener = ln
	r.mu.Unlock()
	defer ln.Close()

	r.logger.Info("wire server listening", "addr", ln.Addr().String(), "tls", r.cert != nil)
	semaphore := make(chan struct{}, MaxConnections)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Warn("accept failed", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		conn.SetDeadline(time.Now().Add(ConnTimeout))

		go func(c net.Conn) {
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				c.Close()
			}()
			r.HandleConnection(c)
		}(conn)
	}
}

// Addr returns the listening address, or nil before Serve has started.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop closes the listener. Connections already accepted run until they
// quit or time out.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

// HandleConnection serves commands from conn until QUIT, EOF or a timeout.
func (r *Router) HandleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)
	log := r.logger.With("remote", conn.RemoteAddr().String())
	log.Debug("connection opened")
	defer log.Debug("connection closed")

	for {
		conn.SetReadDeadline(time.Now().Add(CommandTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("read failed", "err", err)
			}
			return
		}

		parts := strings.Fields(line)
		if len(parts) < 1 {
			continue
		}

		command := strings.ToUpper(parts[0])
		if command == sdk.CmdQuit {
			return
		}
		reply := r.dispatch(command, parts[1:])
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			log.Debug("write failed", "err", err)
			return
		}
	}
}

// dispatch runs one command and returns the reply line.
func (r *Router) dispatch(command string, args []string) string {
	switch command {
	case sdk.CmdPing:
		return sdk.ReplyPong

	case sdk.CmdGet:
		key, err := oneArg(command, args)
		if err != nil {
			return errReply(err)
		}
		val, err := r.engine.Get(key)
		if err != nil {
			return errReply(err)
		}
		return okJSON(val)

	case sdk.CmdSet:
		if len(args) != 2 {
			return errReply(usage(command, "<key> <value>"))
		}
		key, err := sdk.DecodeArg(args[0])
		if err != nil {
			return errReply(err)
		}
		val, err := sdk.DecodeArg(args[1])
		if err != nil {
			return errReply(err)
		}
		if err := r.engine.Set(key, val); err != nil {
			return errReply(err)
		}
		return sdk.ReplyOK

	case sdk.CmdDel:
		key, err := oneArg(command, args)
		if err != nil {
			return errReply(err)
		}
		if err := r.engine.Delete(key); err != nil {
			return errReply(err)
		}
		return sdk.ReplyOK

	case sdk.CmdScan:
		prefix, err := oneArg(command, args)
		if err != nil {
			return errReply(err)
		}
		entries := []sdk.Entry{}
		err = r.engine.Scan(prefix, func(k, v []byte) error {
			entries = append(entries, sdk.Entry{Key: append([]byte(nil), k...), Value: append([]byte{}, v...)})
			return nil
		})
		if err != nil {
			return errReply(err)
		}
		return okJSON(entries)

	case sdk.CmdApply:
		if len(args) != 1 {
			return errReply(usage(command, "<json ops>"))
		}
		var wire []sdk.WireOp
		if err := json.Unmarshal([]byte(args[0]), &wire); err != nil {
			return errReply(fmt.Errorf("invalid json ops: %w", err))
		}
		ops, err := sdk.DecodeOps(wire)
		if err != nil {
			return errReply(err)
		}
		if err := r.engine.Apply(ops); err != nil {
			return errReply(err)
		}
		return sdk.ReplyOK

	case sdk.CmdSync:
		if err := r.engine.Sync(); err != nil {
			return errReply(err)
		}
		return sdk.ReplyOK

	default:
		return errReply(fmt.Errorf("unknown command %q", command))
	}
}

func oneArg(command string, args []string) ([]byte, error) {
	if len(args) != 1 {
		return nil, usage(command, "<arg>")
	}
	return sdk.DecodeArg(args[0])
}

func usage(command, form string) error {
	return fmt.Errorf("usage: %s %s", command, form)
}

func okJSON(v any) string {
	res, err := json.Marshal(v)
	if err != nil {
		return sdk.ReplyErr + " internal error"
	}
	return sdk.ReplyOK + " " + string(res)
}

func errReply(err error) string {
	if errors.Is(err, engine.ErrKeyNotFound) {
		return sdk.ReplyNotFound
	}
	// Replies are single lines.
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	return sdk.ReplyErr + " " + msg
}
