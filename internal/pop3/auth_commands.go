package pop3

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/Hafthor/frimerki/internal/store"
)

// saslMechanisms lists the SASL mechanisms advertised by AUTH and CAPA.
var saslMechanisms = []string{sasl.Plain}

// AuthProvider is the interface for authentication operations.
type AuthProvider interface {
	Authenticate(ctx context.Context, email, password string) (*store.User, error)
}

// capaCommand implements the CAPA command (RFC 2449).
type capaCommand struct{}

func (c *capaCommand) Name() string {
	return "CAPA"
}

func (c *capaCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	// CAPA takes no arguments
	if len(args) > 0 {
		return Response{OK: false, Message: "CAPA command takes no arguments"}, nil
	}

	return Response{
		OK:        true,
		Message:   "Capability list follows",
		Multiline: true,
		Lines:     sess.Capabilities(),
	}, nil
}

// stlsCommand implements the STLS command (RFC 2595).
type stlsCommand struct{}

func (s *stlsCommand) Name() string {
	return "STLS"
}

func (s *stlsCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	// STLS takes no arguments
	if len(args) > 0 {
		return Response{OK: false, Message: "STLS command takes no arguments"}, nil
	}

	// STLS is only valid in AUTHORIZATION state
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if !sess.CanSTLS() {
		if sess.IsTLSActive() {
			return Response{OK: false, Message: "Already using TLS"}, nil
		}
		return Response{OK: false, Message: "TLS not available"}, nil
	}

	// Return success - the handler will perform the TLS upgrade
	return Response{OK: true, Message: "Begin TLS negotiation"}, nil
}

// userCommand implements the USER command (RFC 1939).
type userCommand struct{}

func (u *userCommand) Name() string {
	return "USER"
}

func (u *userCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	// USER is only valid in AUTHORIZATION state
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	// USER requires exactly one argument
	if len(args) != 1 {
		return Response{OK: false, Message: "USER command requires username argument"}, nil
	}

	username := args[0]
	if username == "" {
		return Response{OK: false, Message: "Username cannot be empty"}, nil
	}

	// Store the username in the session
	sess.SetUsername(username)

	return Response{OK: true, Message: fmt.Sprintf("User %s accepted", username)}, nil
}

// passCommand implements the PASS command (RFC 1939).
// On success it snapshots the maildrop and enters TRANSACTION state.
type passCommand struct {
	authProvider AuthProvider
	svc          MessageService
}

func (p *passCommand) Name() string {
	return "PASS"
}

func (p *passCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	// PASS is only valid in AUTHORIZATION state
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	// USER must have been called first
	username := sess.Username()
	if username == "" {
		return Response{OK: false, Message: "No username specified"}, nil
	}

	// PASS requires exactly one argument
	if len(args) != 1 {
		return Response{OK: false, Message: "PASS command requires password argument"}, nil
	}

	return completeLogin(ctx, sess, conn, p.authProvider, p.svc, username, args[0])
}

// completeLogin runs authentication, loads the maildrop, and transitions
// the session. Shared by PASS and AUTH.
func completeLogin(ctx context.Context, sess *Session, conn ConnectionLogger, authProvider AuthProvider, svc MessageService, username, password string) (Response, error) {
	user, err := authProvider.Authenticate(ctx, username, password)
	if err != nil {
		// Return generic error to prevent user enumeration
		conn.Logger().Info("authentication failed",
			"username", username,
			"error", err.Error(),
		)
		return Response{OK: false, Message: "Authentication failed"}, nil
	}

	sess.SetAuthenticated(user)

	if err := sess.InitializeMaildrop(ctx, svc); err != nil {
		conn.Logger().Error("failed to load maildrop",
			"username", username,
			"error", err.Error(),
		)
		return Response{OK: false, Message: "Mailbox unavailable"}, nil
	}

	conn.Logger().Info("authentication successful",
		"username", username,
		"messages", sess.MessageCount(),
	)

	return Response{OK: true, Message: fmt.Sprintf("Logged in as %s", username)}, nil
}

// authCommand implements the AUTH command with SASL PLAIN (RFC 5034).
type authCommand struct {
	authProvider AuthProvider
	svc          MessageService
}

func (a *authCommand) Name() string {
	return "AUTH"
}

func (a *authCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	// AUTH is only valid in AUTHORIZATION state
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	// AUTH with no arguments lists supported mechanisms
	if len(args) == 0 {
		return Response{OK: true, Message: "Supported mechanisms", Multiline: true, Lines: saslMechanisms}, nil
	}

	mech := strings.ToUpper(args[0])
	if mech != sasl.Plain {
		return Response{OK: false, Message: "Unsupported authentication mechanism"}, nil
	}

	server := a.newPlainServer(ctx, sess, conn)

	// Inline initial response: AUTH PLAIN <base64>
	if len(args) >= 2 {
		raw, err := base64.StdEncoding.DecodeString(args[1])
		if err != nil {
			return Response{OK: false, Message: "Invalid base64 encoding"}, nil
		}
		return a.finishSASL(sess, server, raw)
	}

	// Multi-step: issue an empty challenge and wait for the response line.
	sess.SetSASLServer(mech, server)
	return Response{Continuation: true, Challenge: ""}, nil
}

// ProcessSASLResponse consumes the client's response line during a
// multi-step SASL exchange.
func (a *authCommand) ProcessSASLResponse(ctx context.Context, sess *Session, conn ConnectionLogger, line string) (Response, error) {
	server := sess.SASLServer()
	sess.ClearSASL()
	if server == nil {
		return Response{OK: false, Message: "No authentication in progress"}, nil
	}

	// "*" cancels the exchange (RFC 5034).
	if line == "*" {
		return Response{OK: false, Message: "Authentication cancelled"}, nil
	}

	raw, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return Response{OK: false, Message: "Invalid base64 encoding"}, nil
	}

	return a.finishSASL(sess, server, raw)
}

// finishSASL feeds the client response into the SASL server. The PLAIN
// authenticator has already transitioned the session on success.
func (a *authCommand) finishSASL(sess *Session, server sasl.Server, raw []byte) (Response, error) {
	_, done, err := server.Next(raw)
	if err != nil || !done {
		return Response{OK: false, Message: "Authentication failed"}, nil
	}
	return Response{OK: true, Message: fmt.Sprintf("Logged in as %s", sess.Username())}, nil
}

// newPlainServer builds a SASL PLAIN server bound to this session.
func (a *authCommand) newPlainServer(ctx context.Context, sess *Session, conn ConnectionLogger) sasl.Server {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return ErrAuthFailed
		}
		resp, err := completeLogin(ctx, sess, conn, a.authProvider, a.svc, username, password)
		if err != nil {
			return err
		}
		if !resp.OK {
			return ErrAuthFailed
		}
		return nil
	})
}

// quitCommand implements the QUIT command (RFC 1939). In TRANSACTION
// state it enters UPDATE and commits pending deletions.
type quitCommand struct {
	svc MessageService
}

func (q *quitCommand) Name() string {
	return "QUIT"
}

func (q *quitCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	// QUIT takes no arguments
	if len(args) > 0 {
		return Response{OK: false, Message: "QUIT command takes no arguments"}, nil
	}

	if sess.State() != StateTransaction {
		return Response{OK: true, Message: "Goodbye"}, nil
	}

	sess.EnterUpdate()

	deleted := 0
	for _, id := range sess.DeletedMessageIDs() {
		if err := q.svc.Delete(ctx, sess.User(), id); err != nil {
			conn.Logger().Error("failed to delete message",
				"message_id", id,
				"error", err.Error(),
			)
			continue
		}
		deleted++
	}

	return Response{OK: true, Message: fmt.Sprintf("%d messages deleted", deleted)}, nil
}

// RegisterAuthCommands registers all authentication-related commands.
func RegisterAuthCommands(authProvider AuthProvider, svc MessageService) {
	RegisterCommand(&capaCommand{})
	RegisterCommand(&stlsCommand{})
	RegisterCommand(&userCommand{})
	RegisterCommand(&passCommand{authProvider: authProvider, svc: svc})
	RegisterCommand(&authCommand{authProvider: authProvider, svc: svc})
	RegisterCommand(&quitCommand{svc: svc})
}
