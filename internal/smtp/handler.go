package smtp

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/Hafthor/frimerki/internal/delivery"
	"github.com/Hafthor/frimerki/internal/logging"
	"github.com/Hafthor/frimerki/internal/metrics"
	"github.com/Hafthor/frimerki/internal/server"
	"github.com/Hafthor/frimerki/internal/store"
)

// AuthProvider authenticates SMTP clients.
type AuthProvider interface {
	Authenticate(ctx context.Context, email, password string) (*store.User, error)
}

// Backend accepts a fully assembled message for delivery.
// *delivery.Engine satisfies this.
type Backend interface {
	Deliver(ctx context.Context, fromAddr string, recipients []string, raw []byte) (*delivery.Result, error)
}

// Config holds SMTP handler settings.
type Config struct {
	Hostname       string
	AuthProvider   AuthProvider
	Backend        Backend
	Collector      metrics.Collector
	MaxMessageSize int64
}

// Handler creates an SMTP protocol handler.
func Handler(cfg Config) server.ConnectionHandler {
	return func(ctx context.Context, conn *server.Connection) {
		handleConnection(ctx, conn, cfg)
	}
}

func handleConnection(ctx context.Context, conn *server.Connection, cfg Config) {
	logger := logging.FromContext(ctx)

	cfg.Collector.ConnectionOpened(metrics.ProtocolSMTP)
	defer cfg.Collector.ConnectionClosed(metrics.ProtocolSMTP)

	if conn.IsTLS() {
		cfg.Collector.TLSConnectionEstablished(metrics.ProtocolSMTP)
	}

	sess := NewSession(cfg.Hostname)

	logger.Info("starting SMTP session", "remote", conn.RemoteAddr().String())

	if err := conn.WriteLine(fmt.Sprintf("220 %s ESMTP ready", cfg.Hostname)); err != nil {
		logger.Error("failed to send greeting", "error", err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteLine("421 4.3.2 Service shutting down")
			return
		default:
		}

		if conn.IsClosed() {
			return
		}

		if err := conn.SetCommandTimeout(); err != nil {
			return
		}

		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			if err != io.EOF {
				logger.Error("error reading command", "error", err.Error())
			}
			return
		}

		if err := conn.ResetIdleTimeout(); err != nil {
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}

		verb, rest := splitCommand(line)
		logger.Debug("received command", "verb", verb, "state", sess.State().String())
		cfg.Collector.CommandProcessed(metrics.ProtocolSMTP, verb)

		switch verb {
		case "HELO":
			sess.Identify(rest)
			_ = conn.WriteLine(fmt.Sprintf("250 %s Hello", cfg.Hostname))

		case "EHLO":
			sess.Identify(rest)
			_ = conn.WriteLine(fmt.Sprintf("250-%s Hello", cfg.Hostname))
			_ = conn.WriteLine("250-AUTH PLAIN LOGIN")
			_ = conn.WriteLine("250-8BITMIME")
			_ = conn.WriteLine("250 ENHANCEDSTATUSCODES")

		case "AUTH":
			handleAuth(ctx, conn, sess, cfg, rest)

		case "MAIL":
			handleMail(conn, sess, rest)

		case "RCPT":
			handleRcpt(conn, sess, rest)

		case "DATA":
			handleData(ctx, conn, sess, cfg)

		case "NOOP":
			_ = conn.WriteLine("250 2.0.0 OK")

		case "RSET":
			sess.Reset()
			_ = conn.WriteLine("250 2.0.0 OK")

		case "VRFY":
			// Deliberately non-committal: do not disclose mailbox existence.
			_ = conn.WriteLine("252 2.1.5 Cannot verify user")

		case "HELP":
			_ = conn.WriteLine("214-Commands supported:")
			_ = conn.WriteLine("214-HELO EHLO AUTH MAIL RCPT DATA")
			_ = conn.WriteLine("214 NOOP RSET VRFY HELP QUIT")

		case "QUIT":
			_ = conn.WriteLine(fmt.Sprintf("221 2.0.0 %s closing connection", cfg.Hostname))
			return

		default:
			_ = conn.WriteLine("500 5.5.2 Syntax error, command unrecognized")
		}
	}
}

func handleMail(conn *server.Connection, sess *Session, rest string) {
	arg, ok := cutPrefixFold(rest, "FROM:")
	if !ok {
		_ = conn.WriteLine("501 5.5.4 Syntax: MAIL FROM:<address>")
		return
	}
	if !sess.IsIdentified() {
		_ = conn.WriteLine("503 5.5.1 Send HELO/EHLO first")
		return
	}
	if sess.State() == StateMailFrom || sess.State() == StateRcptTo {
		_ = conn.WriteLine("503 5.5.1 Nested MAIL command")
		return
	}

	addr, err := parsePath(arg)
	if err != nil {
		_ = conn.WriteLine("501 5.1.7 Bad sender address syntax")
		return
	}
	if err := sess.BeginMail(addr); err != nil {
		_ = conn.WriteLine("503 5.5.1 " + err.Error())
		return
	}
	_ = conn.WriteLine("250 2.1.0 OK")
}

func handleRcpt(conn *server.Connection, sess *Session, rest string) {
	arg, ok := cutPrefixFold(rest, "TO:")
	if !ok {
		_ = conn.WriteLine("501 5.5.4 Syntax: RCPT TO:<address>")
		return
	}
	if sess.State() != StateMailFrom && sess.State() != StateRcptTo {
		_ = conn.WriteLine("503 5.5.1 MAIL FROM required before RCPT TO")
		return
	}

	addr, err := parsePath(arg)
	if err != nil || addr == "" {
		_ = conn.WriteLine("501 5.1.3 Bad recipient address syntax")
		return
	}

	// Acceptance is deferred: per-recipient rejection happens after DATA,
	// so an early probe cannot enumerate mailboxes.
	if err := sess.AddRecipient(addr); err != nil {
		_ = conn.WriteLine("503 5.5.1 " + err.Error())
		return
	}
	_ = conn.WriteLine("250 2.1.5 OK")
}

func handleData(ctx context.Context, conn *server.Connection, sess *Session, cfg Config) {
	logger := logging.FromContext(ctx)

	if !sess.CanData() {
		_ = conn.WriteLine("503 5.5.1 RCPT TO required before DATA")
		return
	}

	if err := conn.WriteLine("354 Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return
	}

	raw, err := readMessageData(conn, cfg.MaxMessageSize)
	if err != nil {
		if err == errMessageTooLarge {
			logger.Warn("message rejected: too large",
				"from", sess.EnvelopeFrom(),
				"limit", cfg.MaxMessageSize,
			)
			_ = conn.WriteLine(fmt.Sprintf("552 5.3.4 Message exceeds maximum size of %d bytes", cfg.MaxMessageSize))
			sess.Reset()
			return
		}
		logger.Error("error reading message data", "error", err.Error())
		_ = conn.Close()
		return
	}

	from := sess.EnvelopeFrom()
	recipients := sess.Recipients()
	sess.Reset()

	result, err := cfg.Backend.Deliver(ctx, from, recipients, raw)
	if result != nil {
		for _, rcpt := range result.Delivered {
			cfg.Collector.MessageDelivered(domainOf(rcpt), int64(len(raw)))
		}
		for rcpt := range result.Failed {
			cfg.Collector.DeliveryFailed(domainOf(rcpt))
		}
	}
	if err != nil || result == nil || !result.Succeeded() {
		logger.Warn("delivery failed for all recipients",
			"from", from,
			"recipients", len(recipients),
		)
		_ = conn.WriteLine("550 5.1.1 Mailbox unavailable")
		return
	}

	logger.Info("message accepted",
		"from", from,
		"delivered", len(result.Delivered),
		"failed", len(result.Failed),
		"size", len(raw),
	)
	_ = conn.WriteLine("250 2.0.0 OK")
}

var errMessageTooLarge = fmt.Errorf("message too large")

// readMessageData reads DATA lines until the lone-dot terminator, reversing
// dot-stuffing. When the limit is exceeded the rest of the message is
// drained so the session can continue.
func readMessageData(conn *server.Connection, limit int64) ([]byte, error) {
	var buf strings.Builder
	tooLarge := false

	for {
		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			return nil, err
		}
		if err := conn.ResetIdleTimeout(); err != nil {
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "." {
			break
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		if tooLarge {
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
		if limit > 0 && int64(buf.Len()) > limit {
			tooLarge = true
		}
	}

	if tooLarge {
		return nil, errMessageTooLarge
	}
	return []byte(buf.String()), nil
}

// handleAuth runs the AUTH PLAIN / AUTH LOGIN exchanges.
func handleAuth(ctx context.Context, conn *server.Connection, sess *Session, cfg Config, rest string) {
	logger := logging.FromContext(ctx)

	if sess.IsAuthenticated() {
		_ = conn.WriteLine("503 5.5.1 Already authenticated")
		return
	}
	if cfg.AuthProvider == nil {
		_ = conn.WriteLine("502 5.5.1 Authentication not available")
		return
	}

	mech, initial := splitCommand(rest)
	var user *store.User
	var err error

	switch mech {
	case "PLAIN":
		user, err = authPlain(ctx, conn, sess, cfg, initial)
	case "LOGIN":
		user, err = authLogin(ctx, conn, cfg, initial)
	case "":
		_ = conn.WriteLine("501 5.5.4 Syntax: AUTH mechanism")
		return
	default:
		_ = conn.WriteLine("504 5.5.4 Unrecognized authentication type")
		return
	}

	if err == errAuthCancelled {
		_ = conn.WriteLine("501 5.7.0 Authentication cancelled")
		return
	}
	if err != nil || user == nil {
		cfg.Collector.AuthAttempt(metrics.ProtocolSMTP, "unknown", false)
		logger.Info("authentication failed", "mechanism", mech)
		_ = conn.WriteLine("535 5.7.8 Authentication failed")
		return
	}

	sess.SetAuthenticated(user)
	cfg.Collector.AuthAttempt(metrics.ProtocolSMTP, domainOf(user.Email()), true)
	logger.Info("authentication successful", "user", user.Email())
	_ = conn.WriteLine("235 2.7.0 Authentication successful")
}

var errAuthCancelled = fmt.Errorf("authentication cancelled")

// authPlain performs the SASL PLAIN exchange, inline or with one challenge.
func authPlain(ctx context.Context, conn *server.Connection, sess *Session, cfg Config, initial string) (*store.User, error) {
	if initial == "" {
		if err := conn.WriteLine("334 "); err != nil {
			return nil, err
		}
		line, err := readAuthLine(conn)
		if err != nil {
			return nil, err
		}
		if line == "*" {
			return nil, errAuthCancelled
		}
		initial = line
	}

	decoded, err := base64.StdEncoding.DecodeString(initial)
	if err != nil {
		return nil, err
	}

	var user *store.User
	srv := sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return fmt.Errorf("identities do not match")
		}
		u, authErr := cfg.AuthProvider.Authenticate(ctx, username, password)
		if authErr != nil {
			return authErr
		}
		user = u
		return nil
	})

	if _, _, err := srv.Next(decoded); err != nil {
		return nil, err
	}
	return user, nil
}

// authLogin performs the legacy AUTH LOGIN username/password exchange.
func authLogin(ctx context.Context, conn *server.Connection, cfg Config, initial string) (*store.User, error) {
	username := initial
	if username == "" {
		if err := conn.WriteLine("334 VXNlcm5hbWU6"); err != nil {
			return nil, err
		}
		line, err := readAuthLine(conn)
		if err != nil {
			return nil, err
		}
		if line == "*" {
			return nil, errAuthCancelled
		}
		username = line
	}

	if err := conn.WriteLine("334 UGFzc3dvcmQ6"); err != nil {
		return nil, err
	}
	line, err := readAuthLine(conn)
	if err != nil {
		return nil, err
	}
	if line == "*" {
		return nil, errAuthCancelled
	}

	userBytes, err := base64.StdEncoding.DecodeString(username)
	if err != nil {
		return nil, err
	}
	passBytes, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return nil, err
	}

	return cfg.AuthProvider.Authenticate(ctx, string(userBytes), string(passBytes))
}

func readAuthLine(conn *server.Connection) (string, error) {
	if err := conn.SetCommandTimeout(); err != nil {
		return "", err
	}
	line, err := conn.Reader().ReadString('\n')
	if err != nil {
		return "", err
	}
	if err := conn.ResetIdleTimeout(); err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// domainOf returns the domain part of an address for metrics labeling.
func domainOf(addr string) string {
	if idx := strings.LastIndex(addr, "@"); idx >= 0 {
		return addr[idx+1:]
	}
	return "unknown"
}
