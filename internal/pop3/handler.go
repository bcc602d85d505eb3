package pop3

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Hafthor/frimerki/internal/logging"
	"github.com/Hafthor/frimerki/internal/metrics"
	"github.com/Hafthor/frimerki/internal/server"
)

// Handler creates a POP3 protocol handler with the given configuration.
func Handler(hostname string, authProvider AuthProvider, svc MessageService, tlsConfig *tls.Config, collector metrics.Collector) server.ConnectionHandler {
	RegisterAuthCommands(authProvider, svc)
	RegisterTransactionCommands()

	return func(ctx context.Context, conn *server.Connection) {
		handleConnection(ctx, conn, hostname, tlsConfig, collector)
	}
}

// handleConnection manages a single POP3 connection.
func handleConnection(ctx context.Context, conn *server.Connection, hostname string, tlsConfig *tls.Config, collector metrics.Collector) {
	logger := logging.FromContext(ctx)

	// Record connection opened
	collector.ConnectionOpened(metrics.ProtocolPOP3)
	defer collector.ConnectionClosed(metrics.ProtocolPOP3)

	if conn.IsTLS() {
		collector.TLSConnectionEstablished(metrics.ProtocolPOP3)
	}

	// Create session
	sess := NewSession(hostname, tlsConfig, conn.IsTLS())

	logger.Info("starting POP3 session",
		"state", sess.State().String(),
		"tls_state", sess.TLSState().String(),
	)

	// Send greeting
	greeting := fmt.Sprintf("+OK %s POP3 server ready\r\n", hostname)
	if _, err := conn.Writer().WriteString(greeting); err != nil {
		logger.Error("failed to send greeting", "error", err.Error())
		return
	}
	if err := conn.Flush(); err != nil {
		logger.Error("failed to flush greeting", "error", err.Error())
		return
	}

	// Command loop
	for {
		// Check if context is cancelled
		select {
		case <-ctx.Done():
			logger.Info("context cancelled, closing connection")
			return
		default:
		}

		if conn.IsClosed() {
			logger.Info("connection closed")
			return
		}

		// Set command timeout
		if err := conn.SetCommandTimeout(); err != nil {
			logger.Error("failed to set command timeout", "error", err.Error())
			return
		}

		// Read command line
		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			if err == io.EOF {
				logger.Info("client closed connection")
				return
			}
			logger.Error("error reading command", "error", err.Error())
			return
		}

		// Reset idle timeout after successful read
		if err := conn.ResetIdleTimeout(); err != nil {
			logger.Error("failed to reset idle timeout", "error", err.Error())
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		logger.Debug("received command", "line", line)

		// Check if SASL exchange is in progress
		if sess.IsSASLInProgress() {
			resp, ok := continueSASL(ctx, sess, conn, logger, line)
			if !ok {
				return
			}

			// Record auth metrics once the exchange completes.
			if !resp.Continuation {
				collector.AuthAttempt(metrics.ProtocolPOP3, extractDomain(sess.Username()), resp.OK)
				collector.CommandProcessed(metrics.ProtocolPOP3, "AUTH")
			}
			continue
		}

		// Parse command
		cmdName, args, err := ParseCommand(line)
		if err != nil {
			sendError(conn, "Invalid command")
			continue
		}

		// Look up command
		cmd, ok := GetCommand(cmdName)
		if !ok {
			sendError(conn, "Unknown command")
			continue
		}

		logger.Debug("executing command",
			"command", cmdName,
			"args_count", len(args),
		)

		collector.CommandProcessed(metrics.ProtocolPOP3, cmdName)

		// Execute command
		resp, err := cmd.Execute(ctx, sess, conn, args)
		if err != nil {
			logger.Error("command execution error",
				"command", cmdName,
				"error", err.Error(),
			)
			sendError(conn, "Internal server error")
			continue
		}

		// Send response
		if _, err := conn.Writer().WriteString(resp.String()); err != nil {
			logger.Error("failed to send response", "error", err.Error())
			return
		}
		if err := conn.Flush(); err != nil {
			logger.Error("failed to flush response", "error", err.Error())
			return
		}

		logger.Debug("sent response",
			"ok", resp.OK,
			"message", resp.Message,
		)

		// Record auth and retrieval metrics after the fact.
		switch cmdName {
		case "PASS":
			collector.AuthAttempt(metrics.ProtocolPOP3, extractDomain(sess.Username()), resp.OK)
		case "AUTH":
			if resp.OK || (!resp.OK && !resp.Continuation) {
				collector.AuthAttempt(metrics.ProtocolPOP3, extractDomain(sess.Username()), resp.OK)
			}
		case "RETR":
			if resp.OK && len(args) == 1 {
				if n, err := strconv.Atoi(args[0]); err == nil {
					if entry, err := sess.GetMessage(n); err == nil {
						collector.MessageRetrieved(metrics.ProtocolPOP3, extractDomain(sess.Username()), entry.Size)
					}
				}
			}
		case "DELE":
			if resp.OK {
				collector.MessageDeleted(metrics.ProtocolPOP3, extractDomain(sess.Username()))
			}
		}

		// Handle special cases
		switch cmdName {
		case "STLS":
			// If STLS succeeded, upgrade the connection to TLS
			if resp.OK {
				if err := upgradeToTLS(ctx, conn, sess); err != nil {
					logger.Error("TLS upgrade failed", "error", err.Error())
					return
				}
				collector.TLSConnectionEstablished(metrics.ProtocolPOP3)
				logger.Info("TLS upgrade successful",
					"tls_state", sess.TLSState().String(),
				)
			}

		case "QUIT":
			// The QUIT command already committed pending deletions.
			logger.Info("QUIT command received, closing connection")
			return
		}
	}
}

// continueSASL feeds one line into an in-progress SASL exchange and sends
// the resulting response. Returns false when the connection should close.
func continueSASL(ctx context.Context, sess *Session, conn *server.Connection, logger interface{ Error(string, ...any) }, line string) (Response, bool) {
	authCmd, ok := GetCommand("AUTH")
	if !ok {
		sess.ClearSASL()
		sendError(conn, "Internal server error")
		return Response{}, true
	}
	auth, ok := authCmd.(*authCommand)
	if !ok {
		sess.ClearSASL()
		sendError(conn, "Internal server error")
		return Response{}, true
	}

	resp, err := auth.ProcessSASLResponse(ctx, sess, conn, line)
	if err != nil {
		logger.Error("SASL processing error", "error", err.Error())
		sess.ClearSASL()
		sendError(conn, "Internal server error")
		return Response{}, true
	}

	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		return Response{}, false
	}
	if err := conn.Flush(); err != nil {
		return Response{}, false
	}
	return resp, true
}

// upgradeToTLS performs the TLS upgrade after STLS command.
func upgradeToTLS(ctx context.Context, conn *server.Connection, sess *Session) error {
	logger := logging.FromContext(ctx)

	tlsConfig := sess.TLSConfig()
	if tlsConfig == nil {
		return fmt.Errorf("no TLS configuration available")
	}

	logger.Info("upgrading connection to TLS")

	if err := conn.UpgradeToTLS(tlsConfig); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	sess.SetTLSActive()

	return nil
}

// sendError sends an error response to the client.
func sendError(conn *server.Connection, message string) {
	resp := Response{OK: false, Message: message}
	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		return
	}
	_ = conn.Flush()
}

// extractDomain extracts the domain part from a username.
// If the username contains @, returns the part after @.
// Otherwise returns "unknown" for metrics labeling.
func extractDomain(username string) string {
	if idx := strings.LastIndex(username, "@"); idx >= 0 {
		return username[idx+1:]
	}
	return "unknown"
}
