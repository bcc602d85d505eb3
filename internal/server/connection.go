package server

import (
	"bufio"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrAlreadyTLS is returned by UpgradeToTLS on a connection that is
// already encrypted.
var ErrAlreadyTLS = errors.New("connection already using TLS")

// ConnectionConfig holds per-connection settings.
type ConnectionConfig struct {
	// IdleTimeout is the maximum time a connection may sit between commands.
	IdleTimeout time.Duration

	// CommandTimeout bounds a single read while waiting for a command line.
	CommandTimeout time.Duration

	Logger *slog.Logger
}

// Connection wraps a net.Conn with buffered I/O, deadline management, and
// optional TLS upgrade for STARTTLS-style commands.
type Connection struct {
	cfg ConnectionConfig

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	closed bool
}

// NewConnection wraps conn for protocol use.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	return &Connection{
		cfg:    cfg,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}
}

// Reader returns the buffered reader for the connection.
func (c *Connection) Reader() *bufio.Reader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader
}

// Writer returns the buffered writer for the connection.
func (c *Connection) Writer() *bufio.Writer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer
}

// Flush flushes buffered output to the client.
func (c *Connection) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writer.Flush()
}

// WriteLine writes a CRLF-terminated line and flushes it.
func (c *Connection) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.writer.WriteString(line); err != nil {
		return err
	}
	if _, err := c.writer.WriteString("\r\n"); err != nil {
		return err
	}
	return c.writer.Flush()
}

// SetCommandTimeout sets the read deadline for the next command.
func (c *Connection) SetCommandTimeout() error {
	if c.cfg.CommandTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.cfg.CommandTimeout))
}

// ResetIdleTimeout resets the deadline to the idle timeout after activity.
func (c *Connection) ResetIdleTimeout() error {
	if c.cfg.IdleTimeout <= 0 {
		return nil
	}
	return c.conn.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
}

// IsTLS reports whether the underlying connection is encrypted.
func (c *Connection) IsTLS() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conn.(*tls.Conn)
	return ok
}

// UpgradeToTLS performs an in-place TLS handshake over the existing
// connection. Buffered output must be flushed by the caller first.
func (c *Connection) UpgradeToTLS(tlsConfig *tls.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.conn.(*tls.Conn); ok {
		return ErrAlreadyTLS
	}

	tlsConn := tls.Server(c.conn, tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}

	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	return nil
}

// RemoteAddr returns the client's network address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *slog.Logger {
	if c.cfg.Logger != nil {
		return c.cfg.Logger
	}
	return slog.Default()
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close flushes pending output and closes the connection. Safe to call
// more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.writer.Flush()
	return c.conn.Close()
}
