package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Hafthor/frimerki/internal/config"
	"github.com/Hafthor/frimerki/internal/logging"
)

// Server coordinates the SMTP, IMAP, and POP3 listeners and shares a
// connection limit across all of them.
type Server struct {
	cfg       *config.Config
	tlsConfig *tls.Config
	logger    *slog.Logger
	limiter   *ConnectionLimiter

	handlers map[string]ConnectionHandler

	listeners []*Listener
	mu        sync.Mutex
}

// Config holds configuration for creating a new Server.
type Config struct {
	Cfg       *config.Config
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

// New creates a new Server with the given configuration.
func New(sc Config) (*Server, error) {
	logger := sc.Logger
	if logger == nil {
		logger = logging.NewLogger(sc.Cfg.LogLevel)
	}

	s := &Server{
		cfg:       sc.Cfg,
		tlsConfig: sc.TLSConfig,
		logger:    logger,
		limiter:   NewConnectionLimiter(sc.Cfg.Limits.MaxConnections),
		handlers:  make(map[string]ConnectionHandler),
	}

	return s, nil
}

// SetHandler registers the connection handler for a protocol ("smtp",
// "imap", "pop3"). Must be called before Run.
func (s *Server) SetHandler(protocol string, handler ConnectionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[protocol] = handler
}

// Run starts all configured listeners and blocks until the context is
// cancelled. All listeners run in their own goroutines.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()

	protocols := []struct {
		name        string
		cfg         config.ProtocolConfig
		idleTimeout time.Duration
	}{
		{"smtp", s.cfg.SMTP, s.cfg.Timeouts.SMTPIdleTimeout()},
		{"imap", s.cfg.IMAP, s.cfg.Timeouts.IMAPIdleTimeout()},
		{"pop3", s.cfg.POP3, s.cfg.Timeouts.POP3IdleTimeout()},
	}

	for _, p := range protocols {
		handler, ok := s.handlers[p.name]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("no handler registered for %s", p.name)
		}
		for _, lc := range p.cfg.Listeners {
			if lc.TLS && s.tlsConfig == nil {
				s.mu.Unlock()
				return fmt.Errorf("%s listener %s: TLS required but not configured", p.name, lc.Address)
			}

			listener := NewListener(ListenerConfig{
				Protocol:       p.name,
				Address:        lc.Address,
				ImplicitTLS:    lc.TLS,
				TLSConfig:      s.tlsConfig,
				IdleTimeout:    p.idleTimeout,
				CommandTimeout: p.idleTimeout,
				Limiter:        s.limiter,
				Logger:         s.logger,
				Handler:        handler,
			})
			s.listeners = append(s.listeners, listener)
		}
	}

	listeners := s.listeners
	s.mu.Unlock()

	s.logger.Info("starting server",
		slog.String("hostname", s.cfg.Hostname),
		slog.Int("listener_count", len(listeners)),
	)

	// Start all listeners in goroutines
	var wg sync.WaitGroup
	errChan := make(chan error, len(listeners))

	for _, l := range listeners {
		wg.Add(1)
		go func(listener *Listener) {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("listener %s: %w", listener.Address(), err)
			}
		}(l)
	}

	// Wait for context cancellation
	<-ctx.Done()

	s.logger.Info("server shutting down")

	// Wait for all listeners to stop
	wg.Wait()

	// Check for any errors
	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", slog.String("error", err.Error()))
	}

	s.logger.Info("server stopped")

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Shutdown gracefully stops the server.
// It closes all listeners and waits for connections to complete.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.listeners {
		_ = l.Close()
	}
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// TLSConfig returns the server's TLS configuration, if any.
func (s *Server) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// Config returns the server's configuration.
func (s *Server) Config() *config.Config {
	return s.cfg
}
