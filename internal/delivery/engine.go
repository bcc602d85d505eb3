package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Hafthor/frimerki/internal/clock"
	"github.com/Hafthor/frimerki/internal/directory"
	"github.com/Hafthor/frimerki/internal/store"
)

// ErrNoRecipients is returned when delivery failed for every recipient.
var ErrNoRecipients = errors.New("no deliverable recipients")

// Result reports per-recipient delivery outcomes.
type Result struct {
	Delivered []string
	Failed    map[string]error
}

// Succeeded reports whether at least one recipient accepted the message.
func (r *Result) Succeeded() bool {
	return len(r.Delivered) > 0
}

// Engine lands inbound messages in local mailboxes.
type Engine struct {
	directory *directory.Directory
	router    *store.Router
	blobs     *store.BlobStore
	clock     clock.Clock
	logger    *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(dir *directory.Directory, router *store.Router, blobs *store.BlobStore, clk clock.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		directory: dir,
		router:    router,
		blobs:     blobs,
		clock:     clk,
		logger:    logger,
	}
}

// Deliver parses the raw message once and delivers to each recipient
// independently. The overall result succeeds if any recipient succeeded;
// per-recipient failures are collected, not short-circuited.
func (e *Engine) Deliver(ctx context.Context, fromAddr string, recipients []string, raw []byte) (*Result, error) {
	parsed := ParseMessage(raw)
	if parsed.From == "" {
		parsed.From = fromAddr
	}

	result := &Result{Failed: make(map[string]error)}
	for _, rcpt := range recipients {
		if err := e.deliverOne(ctx, parsed, rcpt, raw); err != nil {
			e.logger.Warn("delivery failed", "recipient", rcpt, "error", err.Error())
			result.Failed[rcpt] = err
			continue
		}
		e.logger.Info("message delivered", "recipient", rcpt, "size", parsed.Size)
		result.Delivered = append(result.Delivered, rcpt)
	}

	if !result.Succeeded() {
		return result, ErrNoRecipients
	}
	return result, nil
}

func (e *Engine) deliverOne(ctx context.Context, parsed *ParsedMessage, rcpt string, raw []byte) error {
	user, err := e.directory.ResolveRecipient(ctx, rcpt)
	if err != nil {
		return fmt.Errorf("resolving recipient: %w", err)
	}
	if !user.CanReceive {
		return fmt.Errorf("recipient cannot receive: %w", store.ErrNotFound)
	}

	st, err := e.router.ForEmail(user.Email())
	if err != nil {
		return err
	}

	inbox, err := st.SystemFolder(ctx, user.ID, store.SystemInbox)
	if err != nil {
		// Every user gets an INBOX at creation; a missing one is an
		// internal inconsistency, not a recipient problem.
		return fmt.Errorf("inbox missing for %s: %w", user.Email(), err)
	}

	now := e.clock.Now()
	var msg *store.Message

	err = st.WithTx(ctx, func(tx *store.Store) error {
		uid, err := tx.AllocateUID(ctx, inbox.ID)
		if err != nil {
			return err
		}

		msg = &store.Message{
			HeaderMessageID: parsed.HeaderMessageID,
			FromAddr:        parsed.From,
			ToAddr:          parsed.To,
			Cc:              parsed.Cc,
			Bcc:             parsed.Bcc,
			Subject:         parsed.Subject,
			Headers:         parsed.HeadersBlock,
			Body:            parsed.TextBody,
			BodyHTML:        parsed.HTMLBody,
			MessageSize:     int64(len(raw)),
			ReceivedAt:      now,
			SentDate:        parsed.SentDate,
			InReplyTo:       parsed.InReplyTo,
			References:      parsed.References,
			BodyStructure:   parsed.BodyStructure,
			Envelope:        parsed.Envelope,
			UID:             uid,
			UIDValidity:     1,
		}
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return err
		}

		um := &store.UserMessage{
			UserID:     user.ID,
			MessageID:  msg.ID,
			FolderID:   inbox.ID,
			UID:        uid,
			ReceivedAt: now,
		}
		if err := tx.CreateUserMessage(ctx, um); err != nil {
			return err
		}

		if err := tx.SetFlag(ctx, msg.ID, user.ID, store.FlagRecent, true, now); err != nil {
			return err
		}

		f, err := tx.FolderByID(ctx, inbox.ID)
		if err != nil {
			return err
		}
		f.Exists++
		f.Recent++
		f.Unseen++
		return tx.UpdateFolder(ctx, f)
	})
	if err != nil {
		return err
	}

	e.storeAttachments(ctx, st, msg.ID, parsed.Attachments)
	return nil
}

// storeAttachments writes attachment blobs and records. Failures are
// logged, not fatal: the message itself has already landed.
func (e *Engine) storeAttachments(ctx context.Context, st *store.Store, messageID int64, attachments []ParsedAttachment) {
	for _, att := range attachments {
		guid := uuid.NewString()
		ext := att.Extension()
		if ext == "" {
			ext = ExtensionForContentType(att.ContentType)
		}

		path, err := e.blobs.Write(guid, ext, bytes.NewReader(att.Data))
		if err != nil {
			e.logger.Error("writing attachment blob", "message_id", messageID, "error", err.Error())
			continue
		}

		rec := &store.Attachment{
			MessageID:     messageID,
			Filename:      att.Filename,
			ContentType:   att.ContentType,
			Size:          int64(len(att.Data)),
			FileGUID:      guid,
			FileExtension: ext,
			FilePath:      path,
			CreatedAt:     e.clock.Now(),
		}
		if err := st.CreateAttachment(ctx, rec); err != nil {
			e.logger.Error("recording attachment", "message_id", messageID, "error", err.Error())
			e.blobs.Remove(guid, ext)
		}
	}
}
