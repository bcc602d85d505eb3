package pop3

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// ConnectionLogger gives commands access to the connection-scoped logger
// without exposing the rest of the connection.
type ConnectionLogger interface {
	Logger() *slog.Logger
}

// Command is a single POP3 verb. Implementations are stateless; all
// per-session state lives in the Session.
type Command interface {
	// Name returns the verb this command answers to, e.g. "RETR".
	Name() string

	// Execute runs the command. The returned Response carries the status
	// and message body; the +OK/-ERR prefix is added during rendering.
	Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error)
}

// Response is the reply to one command.
type Response struct {
	OK      bool
	Message string

	// Multiline marks a dot-terminated multi-line reply. Lines holds the
	// body; the terminator is sent even when Lines is empty, so listings
	// of an empty maildrop still end correctly.
	Multiline bool
	Lines     []string

	// Continuation marks a SASL exchange step: the reply is rendered as
	// "+ <Challenge>" with no status prefix.
	Continuation bool
	Challenge    string
}

// String renders the response in wire format, including dot-stuffing of
// multi-line bodies.
func (r Response) String() string {
	if r.Continuation {
		return "+ " + r.Challenge + "\r\n"
	}

	status := "-ERR"
	if r.OK {
		status = "+OK"
	}

	var sb strings.Builder
	sb.WriteString(status)
	if r.Message != "" {
		sb.WriteByte(' ')
		sb.WriteString(r.Message)
	}
	sb.WriteString("\r\n")

	if r.OK && (r.Multiline || len(r.Lines) > 0) {
		for _, line := range r.Lines {
			if strings.HasPrefix(line, ".") {
				sb.WriteByte('.')
			}
			sb.WriteString(line)
			sb.WriteString("\r\n")
		}
		sb.WriteString(".\r\n")
	}

	return sb.String()
}

var errEmptyCommand = errors.New("empty command")

var commandRegistry = map[string]Command{}

// RegisterCommand adds cmd to the registry under its uppercased name.
func RegisterCommand(cmd Command) {
	commandRegistry[strings.ToUpper(cmd.Name())] = cmd
}

// GetCommand looks up a registered command. Lookup is case-insensitive.
func GetCommand(name string) (Command, bool) {
	cmd, ok := commandRegistry[strings.ToUpper(name)]
	return cmd, ok
}

// ParseCommand splits a command line into an uppercased verb and its
// arguments.
func ParseCommand(line string) (string, []string, error) {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return "", nil, errEmptyCommand
	}
	return strings.ToUpper(parts[0]), parts[1:], nil
}
