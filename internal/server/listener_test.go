package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startListener starts a listener on a random port and returns its address.
func startListener(t *testing.T, cfg ListenerConfig) string {
	t.Helper()
	cfg.Address = "127.0.0.1:0"
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}

	l := NewListener(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Start(ctx)
	}()

	// Wait for the listener to bind.
	deadline := time.Now().Add(2 * time.Second)
	for l.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("listener did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l.Addr().String()
}

func TestListenerDispatchesConnections(t *testing.T) {
	addr := startListener(t, ListenerConfig{
		Protocol:    "pop3",
		IdleTimeout: 5 * time.Second,
		Handler: func(ctx context.Context, conn *Connection) {
			if err := conn.WriteLine("+OK hello"); err != nil {
				return
			}
			line, err := conn.Reader().ReadString('\n')
			if err != nil {
				return
			}
			_ = conn.WriteLine("echo " + strings.TrimSpace(line))
		},
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	r := bufio.NewReader(conn)
	greeting, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	if !strings.HasPrefix(greeting, "+OK") {
		t.Errorf("greeting = %q", greeting)
	}

	if _, err := conn.Write([]byte("PING\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if strings.TrimSpace(reply) != "echo PING" {
		t.Errorf("reply = %q", reply)
	}
}

func TestListenerEnforcesConnectionLimit(t *testing.T) {
	release := make(chan struct{})
	limiter := NewConnectionLimiter(1)

	addr := startListener(t, ListenerConfig{
		Protocol:    "imap",
		IdleTimeout: 5 * time.Second,
		Limiter:     limiter,
		Handler: func(ctx context.Context, conn *Connection) {
			_ = conn.WriteLine("* OK ready")
			<-release
		},
	})

	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	if _, err := bufio.NewReader(first).ReadString('\n'); err != nil {
		t.Fatalf("first greeting: %v", err)
	}

	// Second connection is over the limit and gets closed without a greeting.
	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bufio.NewReader(second).ReadString('\n'); err == nil {
		t.Error("second connection got a greeting despite limit of 1")
	}

	close(release)
}

func TestListenerRecoversFromHandlerPanic(t *testing.T) {
	addr := startListener(t, ListenerConfig{
		Protocol:    "smtp",
		IdleTimeout: 5 * time.Second,
		Handler: func(ctx context.Context, conn *Connection) {
			panic("handler exploded")
		},
	})

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// Connection should be closed cleanly, and the listener should keep
	// accepting afterwards.
	_, _ = io.ReadAll(conn)

	again, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial after panic: %v", err)
	}
	_ = again.Close()
}

func TestConnectionWriteLine(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()

	conn := NewConnection(srv, ConnectionConfig{Logger: testLogger()})
	go func() {
		_ = conn.WriteLine("+OK done")
		_ = conn.Close()
	}()

	data, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "+OK done\r\n" {
		t.Errorf("wrote %q", data)
	}
}
