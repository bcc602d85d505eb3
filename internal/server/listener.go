package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Hafthor/frimerki/internal/logging"
)

// ConnectionHandler processes a single accepted connection. It owns the
// connection for its lifetime; the listener closes it when the handler
// returns.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// ListenerConfig holds configuration for a single protocol listener.
type ListenerConfig struct {
	// Protocol names the protocol served ("smtp", "imap", "pop3"), used
	// for logging.
	Protocol string

	// Address is the TCP address to bind, e.g. ":143".
	Address string

	// ImplicitTLS wraps the listener so every connection starts encrypted.
	// Requires TLSConfig.
	ImplicitTLS bool

	// TLSConfig enables TLS. On plaintext listeners it is made available
	// to the handler for STARTTLS-style upgrades.
	TLSConfig *tls.Config

	IdleTimeout    time.Duration
	CommandTimeout time.Duration

	// Limiter caps concurrent connections. Optional; shared across
	// listeners when set.
	Limiter *ConnectionLimiter

	Logger  *slog.Logger
	Handler ConnectionHandler
}

// Listener accepts connections on one address and dispatches them to the
// configured handler.
type Listener struct {
	cfg ListenerConfig

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewListener creates a Listener. Start must be called to begin accepting.
func NewListener(cfg ListenerConfig) *Listener {
	return &Listener{cfg: cfg}
}

// Address returns the configured bind address.
func (l *Listener) Address() string {
	return l.cfg.Address
}

// Addr returns the bound address once Start has been called, which may
// differ from the configured one when binding port 0.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Start binds the address and accepts connections until the context is
// cancelled or the listener is closed. Each connection is handled in its
// own goroutine.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return err
	}
	if l.cfg.ImplicitTLS {
		if l.cfg.TLSConfig == nil {
			_ = ln.Close()
			return errors.New("implicit TLS listener requires a TLS config")
		}
		ln = tls.NewListener(ln, l.cfg.TLSConfig)
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.cfg.Logger.Info("listener started",
		"protocol", l.cfg.Protocol,
		"address", ln.Addr().String(),
		"implicit_tls", l.cfg.ImplicitTLS,
	)

	// Close the listener when the context ends so Accept unblocks.
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.wg.Wait()
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			l.wg.Wait()
			return err
		}

		if l.cfg.Limiter != nil && !l.cfg.Limiter.TryAcquire() {
			l.cfg.Logger.Warn("connection limit reached, rejecting",
				"protocol", l.cfg.Protocol,
				"remote", conn.RemoteAddr().String(),
			)
			if farewell := busyFarewell(l.cfg.Protocol); farewell != "" {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				_, _ = conn.Write([]byte(farewell + "\r\n"))
			}
			_ = conn.Close()
			continue
		}

		l.wg.Add(1)
		go l.handle(ctx, conn)
	}
}

// busyFarewell returns the wire-format rejection line for a protocol when
// the connection limit is reached.
func busyFarewell(protocol string) string {
	switch protocol {
	case "smtp":
		return "421 4.3.2 Too many connections, try again later"
	case "imap":
		return "* BYE Too many connections"
	case "pop3":
		return "-ERR [SYS/TEMP] Too many connections"
	}
	return ""
}

// handle runs the protocol handler for one connection with panic recovery.
func (l *Listener) handle(ctx context.Context, netConn net.Conn) {
	defer l.wg.Done()
	if l.cfg.Limiter != nil {
		defer l.cfg.Limiter.Release()
	}

	logger := l.cfg.Logger.With(
		"protocol", l.cfg.Protocol,
		"remote", netConn.RemoteAddr().String(),
	)

	conn := NewConnection(netConn, ConnectionConfig{
		IdleTimeout:    l.cfg.IdleTimeout,
		CommandTimeout: l.cfg.CommandTimeout,
		Logger:         logger,
	})
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in connection handler", "panic", r)
		}
		_ = conn.Close()
	}()

	_ = conn.ResetIdleTimeout()

	connCtx := logging.WithLogger(ctx, logger)
	l.cfg.Handler(connCtx, conn)
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}
