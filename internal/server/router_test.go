package server

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/celerix-dev/shelf/internal/vault"
	"github.com/celerix-dev/shelf/pkg/engine"
	"github.com/celerix-dev/shelf/pkg/sdk"
)

// startRouter serves store on a random port and returns the address.
func startRouter(t *testing.T, router *Router) string {
	t.Helper()
	go router.Listen("127.0.0.1:0")

	var port string
	for i := 0; i < 20; i++ {
		time.Sleep(50 * time.Millisecond)
		router.mu.Lock()
		if router.listener != nil {
			port = fmt.Sprintf("%d", router.listener.Addr().(*net.TCPAddr).Port)
			router.mu.Unlock()
			break
		}
		router.mu.Unlock()
	}
	if port == "" {
		t.Fatalf("Server did not start in time")
	}
	t.Cleanup(func() { router.Stop() })
	return "127.0.0.1:" + port
}

func b64(s string) string {
	return sdk.EncodeArg([]byte(s))
}

func TestRouter_TCP_Commands(t *testing.T) {
	store := engine.NewMemStore(nil, nil)
	addr := startRouter(t, NewRouter(store))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	send := func(cmd string) string {
		fmt.Fprintf(conn, "%s\n", cmd)
		line, _ := reader.ReadString('\n')
		return line
	}

	if line := send("PING"); line != "PONG\n" {
		t.Errorf("Expected PONG, got %q", line)
	}

	if line := send("SET " + b64("k1") + " " + b64("v1")); line != "OK\n" {
		t.Errorf("Expected OK, got %q", line)
	}

	want := fmt.Sprintf("OK %q\n", b64("v1"))
	if line := send("GET " + b64("k1")); line != want {
		t.Errorf("Expected %q, got %q", want, line)
	}

	// Empty values travel as "-".
	if line := send("SET " + b64("k2") + " -"); line != "OK\n" {
		t.Errorf("Expected OK, got %q", line)
	}
	if line := send("GET " + b64("k2")); line != "OK \"\"\n" {
		t.Errorf("Expected empty value, got %q", line)
	}

	line := send("SCAN " + b64("k"))
	wantScan := fmt.Sprintf(`OK [{"key":%q,"value":%q},{"key":%q,"value":""}]`+"\n", b64("k1"), b64("v1"), b64("k2"))
	if line != wantScan {
		t.Errorf("Expected %q, got %q", wantScan, line)
	}

	if line := send("DEL " + b64("k1")); line != "OK\n" {
		t.Errorf("Expected OK, got %q", line)
	}
	if line := send("GET " + b64("k1")); line != "NOTFOUND\n" {
		t.Errorf("Expected NOTFOUND, got %q", line)
	}
	if line := send("DEL " + b64("k1")); line != "NOTFOUND\n" {
		t.Errorf("Expected NOTFOUND, got %q", line)
	}

	if line := send("SYNC"); line != "OK\n" {
		t.Errorf("Expected OK, got %q", line)
	}
}

func TestRouter_Apply(t *testing.T) {
	store := engine.NewMemStore(nil, nil)
	store.Set([]byte("old"), []byte("x"))
	addr := startRouter(t, NewRouter(store))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	ops := fmt.Sprintf(`[{"op":"delete","key":%q},{"op":"set","key":%q,"value":%q}]`, b64("old"), b64("new"), b64("y"))
	fmt.Fprintf(conn, "APPLY %s\n", ops)
	line, _ := reader.ReadString('\n')
	if line != "OK\n" {
		t.Fatalf("Expected OK, got %q", line)
	}
	if _, err := store.Get([]byte("old")); err != engine.ErrKeyNotFound {
		t.Errorf("old key should be gone, got %v", err)
	}
	if v, _ := store.Get([]byte("new")); string(v) != "y" {
		t.Errorf("Expected y, got %q", v)
	}

	// A bad op rejects the whole batch.
	ops = fmt.Sprintf(`[{"op":"set","key":%q,"value":%q},{"op":"merge","key":%q}]`, b64("a"), b64("1"), b64("b"))
	fmt.Fprintf(conn, "APPLY %s\n", ops)
	line, _ = reader.ReadString('\n')
	if !strings.HasPrefix(line, "ERR") {
		t.Errorf("Expected ERR, got %q", line)
	}
	if _, err := store.Get([]byte("a")); err != engine.ErrKeyNotFound {
		t.Errorf("partial batch applied: %v", err)
	}
}

func TestRouter_ConcurrentConnections(t *testing.T) {
	store := engine.NewMemStore(nil, nil)
	addr := startRouter(t, NewRouter(store))

	// Try to open more connections than the semaphore allows
	conns := make([]net.Conn, 0)
	for i := 0; i < MaxConnections+10; i++ {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conns = append(conns, conn)
		}
	}

	for _, c := range conns {
		c.Close()
	}

	// The server still answers after the burst.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()
	fmt.Fprintf(conn, "PING\n")
	line, _ := bufio.NewReader(conn).ReadString('\n')
	if line != "PONG\n" {
		t.Errorf("Expected PONG, got %q", line)
	}
}

func TestRouter_MalformedCommands(t *testing.T) {
	store := engine.NewMemStore(nil, nil)
	addr := startRouter(t, NewRouter(store))

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for _, cmd := range []string{
		"SET " + b64("k1"),
		"SET " + b64("k1") + " !!notbase64!!",
		"APPLY {invalid}",
		"FROB",
		"GET",
	} {
		fmt.Fprintf(conn, "%s\n", cmd)
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("%s: read error: %v", cmd, err)
		}
		if !strings.HasPrefix(line, "ERR ") {
			t.Errorf("%s: expected ERR, got %q", cmd, line)
		}
	}

	// Blank lines are ignored.
	fmt.Fprintf(conn, "\nPING\n")
	line, _ := reader.ReadString('\n')
	if line != "PONG\n" {
		t.Errorf("Expected PONG, got %q", line)
	}

	fmt.Fprintf(conn, "QUIT\n")
	if _, err := reader.ReadString('\n'); err == nil {
		t.Error("connection should be closed after QUIT")
	}
}

func TestRouter_TLS(t *testing.T) {
	cert, err := vault.GenerateSelfSignedCert("127.0.0.1")
	if err != nil {
		t.Fatalf("Failed to generate cert: %v", err)
	}

	router := NewRouter(engine.NewMemStore(nil, nil))
	router.SetCertificate(cert)
	addr := startRouter(t, router)

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()
	fmt.Fprintf(conn, "PING\n")
	line, _ := bufio.NewReader(conn).ReadString('\n')
	if line != "PONG\n" {
		t.Errorf("Expected PONG, got %q", line)
	}
}

func TestRouter_StopBeforeServe(t *testing.T) {
	router := NewRouter(engine.NewMemStore(nil, nil))
	router.Stop()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	if err := router.Serve(ln); err != nil {
		t.Errorf("Serve after Stop: %v", err)
	}
	if router.Addr() != nil {
		t.Error("stopped router should have no address")
	}
}
