package pop3

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// requireTransaction rejects commands issued outside TRANSACTION state.
func requireTransaction(sess *Session) (Response, bool) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, false
	}
	return Response{}, true
}

// messageArg parses a message-number argument and resolves it against the
// maildrop, translating lookup failures into protocol replies.
func messageArg(sess *Session, arg string) (int, *MaildropEntry, Response, bool) {
	msgNum, err := strconv.Atoi(arg)
	if err != nil {
		return 0, nil, Response{OK: false, Message: "Invalid message number"}, false
	}
	entry, err := sess.GetMessage(msgNum)
	if err != nil {
		if errors.Is(err, ErrNoSuchMessage) || errors.Is(err, ErrMessageDeleted) {
			return 0, nil, Response{OK: false, Message: "No such message"}, false
		}
		return 0, nil, Response{OK: false, Message: "Failed to retrieve message"}, false
	}
	return msgNum, entry, Response{}, true
}

// statCommand reports message count and total size (RFC 1939).
type statCommand struct{}

func (s *statCommand) Name() string { return "STAT" }

func (s *statCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if resp, ok := requireTransaction(sess); !ok {
		return resp, nil
	}
	if len(args) > 0 {
		return Response{OK: false, Message: "STAT command takes no arguments"}, nil
	}
	return Response{OK: true, Message: fmt.Sprintf("%d %d", sess.MessageCount(), sess.TotalSize())}, nil
}

// listCommand reports per-message sizes, for the whole maildrop or one
// message (RFC 1939).
type listCommand struct{}

func (l *listCommand) Name() string { return "LIST" }

func (l *listCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if resp, ok := requireTransaction(sess); !ok {
		return resp, nil
	}

	switch len(args) {
	case 0:
		messages := sess.AllMessages()
		lines := make([]string, len(messages))
		for i, m := range messages {
			lines[i] = fmt.Sprintf("%d %d", m.MsgNum, m.Entry.Size)
		}
		return Response{
			OK:        true,
			Message:   fmt.Sprintf("%d messages (%d octets)", sess.MessageCount(), sess.TotalSize()),
			Multiline: true,
			Lines:     lines,
		}, nil
	case 1:
		msgNum, entry, resp, ok := messageArg(sess, args[0])
		if !ok {
			return resp, nil
		}
		return Response{OK: true, Message: fmt.Sprintf("%d %d", msgNum, entry.Size)}, nil
	default:
		return Response{OK: false, Message: "LIST command takes at most one argument"}, nil
	}
}

// retrCommand sends the full message content (RFC 1939).
type retrCommand struct{}

func (r *retrCommand) Name() string { return "RETR" }

func (r *retrCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if resp, ok := requireTransaction(sess); !ok {
		return resp, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "RETR command requires message number"}, nil
	}

	msgNum, entry, resp, ok := messageArg(sess, args[0])
	if !ok {
		return resp, nil
	}

	view, err := sess.Service().Get(ctx, sess.User(), entry.MessageID)
	if err != nil {
		conn.Logger().Error("failed to retrieve message content",
			"msgNum", msgNum,
			"message_id", entry.MessageID,
			"error", err.Error(),
		)
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}

	return Response{
		OK:        true,
		Message:   fmt.Sprintf("%d octets", entry.Size),
		Multiline: true,
		Lines:     splitMessageLines(view.Raw()),
	}, nil
}

// deleCommand marks a message for deletion; the delete happens at QUIT
// (RFC 1939).
type deleCommand struct{}

func (d *deleCommand) Name() string { return "DELE" }

func (d *deleCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if resp, ok := requireTransaction(sess); !ok {
		return resp, nil
	}
	if len(args) != 1 {
		return Response{OK: false, Message: "DELE command requires message number"}, nil
	}

	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	switch err := sess.MarkDeleted(msgNum); {
	case errors.Is(err, ErrNoSuchMessage):
		return Response{OK: false, Message: "No such message"}, nil
	case errors.Is(err, ErrMessageDeleted):
		return Response{OK: false, Message: "Message already deleted"}, nil
	case err != nil:
		return Response{OK: false, Message: "Failed to delete message"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("message %d deleted", msgNum)}, nil
}

// rsetCommand clears all pending deletions (RFC 1939).
type rsetCommand struct{}

func (r *rsetCommand) Name() string { return "RSET" }

func (r *rsetCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if resp, ok := requireTransaction(sess); !ok {
		return resp, nil
	}
	if len(args) > 0 {
		return Response{OK: false, Message: "RSET command takes no arguments"}, nil
	}
	sess.ResetDeletions()
	return Response{OK: true, Message: fmt.Sprintf("maildrop has %d messages", sess.MessageCount())}, nil
}

// noopCommand does nothing (RFC 1939).
type noopCommand struct{}

func (n *noopCommand) Name() string { return "NOOP" }

func (n *noopCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "NOOP command takes no arguments"}, nil
	}
	return Response{OK: true}, nil
}

// uidlCommand reports stable unique identifiers (RFC 1939 extension).
type uidlCommand struct{}

func (u *uidlCommand) Name() string { return "UIDL" }

func (u *uidlCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if resp, ok := requireTransaction(sess); !ok {
		return resp, nil
	}

	switch len(args) {
	case 0:
		messages := sess.AllMessages()
		lines := make([]string, len(messages))
		for i, m := range messages {
			lines[i] = fmt.Sprintf("%d %s", m.MsgNum, m.Entry.UID)
		}
		return Response{OK: true, Multiline: true, Lines: lines}, nil
	case 1:
		msgNum, entry, resp, ok := messageArg(sess, args[0])
		if !ok {
			return resp, nil
		}
		return Response{OK: true, Message: fmt.Sprintf("%d %s", msgNum, entry.UID)}, nil
	default:
		return Response{OK: false, Message: "UIDL command takes at most one argument"}, nil
	}
}

// topCommand sends the headers plus the first n body lines (RFC 2449).
type topCommand struct{}

func (t *topCommand) Name() string { return "TOP" }

func (t *topCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if resp, ok := requireTransaction(sess); !ok {
		return resp, nil
	}
	if len(args) != 2 {
		return Response{OK: false, Message: "TOP command requires message number and line count"}, nil
	}

	lineCount, err := strconv.Atoi(args[1])
	if err != nil || lineCount < 0 {
		return Response{OK: false, Message: "Invalid line count"}, nil
	}

	msgNum, entry, resp, ok := messageArg(sess, args[0])
	if !ok {
		return resp, nil
	}

	view, err := sess.Service().Get(ctx, sess.User(), entry.MessageID)
	if err != nil {
		conn.Logger().Error("failed to retrieve message content",
			"msgNum", msgNum,
			"message_id", entry.MessageID,
			"error", err.Error(),
		)
		return Response{OK: false, Message: "Failed to retrieve message"}, nil
	}

	return Response{OK: true, Multiline: true, Lines: extractTopLines(view.Raw(), lineCount)}, nil
}

// splitMessageLines splits raw message content into lines regardless of
// the stored line-ending convention.
func splitMessageLines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// extractTopLines returns the header block plus at most bodyLines lines
// of the body. A count past the end of the body returns the whole body.
func extractTopLines(content string, bodyLines int) []string {
	var out []string
	inBody := false
	taken := 0

	for _, line := range splitMessageLines(content) {
		if inBody {
			if taken >= bodyLines {
				break
			}
			out = append(out, line)
			taken++
			continue
		}
		out = append(out, line)
		if line == "" {
			inBody = true
		}
	}
	return out
}

// RegisterTransactionCommands registers the TRANSACTION-state commands.
func RegisterTransactionCommands() {
	RegisterCommand(&statCommand{})
	RegisterCommand(&listCommand{})
	RegisterCommand(&retrCommand{})
	RegisterCommand(&deleCommand{})
	RegisterCommand(&rsetCommand{})
	RegisterCommand(&noopCommand{})
	RegisterCommand(&uidlCommand{})
	RegisterCommand(&topCommand{})
}
