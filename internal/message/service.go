// Package message implements CRUD over messages: filtered listing, flag
// algebra, draft editing, folder moves with UID reassignment, and
// soft-delete to Trash.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Hafthor/frimerki/internal/clock"
	"github.com/Hafthor/frimerki/internal/delivery"
	"github.com/Hafthor/frimerki/internal/store"
)

var (
	// ErrNotDraft is returned for content edits on a message the user does
	// not hold \Draft on.
	ErrNotDraft = errors.New("message is not a draft")

	// ErrNoTrash is returned when delete finds no Trash folder to move to.
	ErrNoTrash = errors.New("no trash folder")
)

// Service owns message operations for all users.
type Service struct {
	router *store.Router
	clock  clock.Clock
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(router *store.Router, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{router: router, clock: clk, logger: logger}
}

// Flags is the per-user flag projection of one message.
type Flags struct {
	Seen     bool
	Answered bool
	Flagged  bool
	Deleted  bool
	Draft    bool
	Recent   bool
	Custom   []string
}

// View is the outward representation of one message placement.
type View struct {
	ID            int64
	FolderID      int64
	FolderName    string
	UID           int64
	UIDValidity   int64
	From          string
	To            string
	Cc            string
	Subject       string
	Date          time.Time
	ReceivedAt    time.Time
	Size          int64
	Headers       string
	Body          string
	BodyHTML      string
	Envelope      map[string]any
	BodyStructure map[string]any
	Flags         Flags
}

// Raw reassembles the wire form of the message: headers block, blank line,
// body.
func (v *View) Raw() string {
	return v.Headers + "\r\n" + v.Body
}

// RawMessage reassembles the wire form from a stored message.
func RawMessage(m *store.Message) string {
	return m.Headers + "\r\n" + m.Body
}

func (s *Service) storeFor(user *store.User) (*store.Store, error) {
	if user.Domain != nil {
		return s.router.ForDomain(user.Domain.Name)
	}
	return s.router.Shared(), nil
}

// Get returns the message as seen by the user, or store.ErrNotFound when
// the user has no placement for it.
func (s *Service) Get(ctx context.Context, user *store.User, messageID int64) (*View, error) {
	st, err := s.storeFor(user)
	if err != nil {
		return nil, err
	}

	um, err := st.UserMessageFor(ctx, user.ID, messageID)
	if err != nil {
		return nil, err
	}
	f, err := st.FolderByID(ctx, um.FolderID)
	if err != nil {
		return nil, err
	}
	flagRows, err := st.FlagsFor(ctx, messageID, user.ID)
	if err != nil {
		return nil, err
	}
	return buildView(um, f.Name, flagRows), nil
}

func buildView(um *store.UserMessage, folderName string, flagRows []store.MessageFlag) *View {
	m := um.Message
	v := &View{
		ID:         m.ID,
		FolderID:   um.FolderID,
		FolderName: folderName,
		UID:        um.UID,
		From:       m.FromAddr,
		To:         m.ToAddr,
		Cc:         m.Cc,
		Subject:    m.Subject,
		ReceivedAt: m.ReceivedAt,
		Size:       m.MessageSize,
		Headers:    m.Headers,
		Body:       m.Body,
		BodyHTML:   m.BodyHTML,
		Flags:      projectFlags(flagRows),
	}
	v.UIDValidity = m.UIDValidity
	if m.SentDate != nil {
		v.Date = *m.SentDate
	} else {
		v.Date = m.ReceivedAt
	}
	if m.Envelope != "" {
		json.Unmarshal([]byte(m.Envelope), &v.Envelope)
	}
	if m.BodyStructure != "" {
		json.Unmarshal([]byte(m.BodyStructure), &v.BodyStructure)
	}
	return v
}

func projectFlags(rows []store.MessageFlag) Flags {
	var f Flags
	for _, r := range rows {
		switch r.FlagName {
		case store.FlagSeen:
			f.Seen = true
		case store.FlagAnswered:
			f.Answered = true
		case store.FlagFlagged:
			f.Flagged = true
		case store.FlagDeleted:
			f.Deleted = true
		case store.FlagDraft:
			f.Draft = true
		case store.FlagRecent:
			f.Recent = true
		default:
			f.Custom = append(f.Custom, r.FlagName)
		}
	}
	return f
}

// CreateRequest describes an outgoing message authored by the user.
type CreateRequest struct {
	To         string
	Cc         string
	Subject    string
	Body       string
	InReplyTo  string
	References string
}

// Create persists a new message into the user's Sent folder, marked \Seen.
func (s *Service) Create(ctx context.Context, user *store.User, req CreateRequest) (*View, error) {
	st, err := s.storeFor(user)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	messageID := fmt.Sprintf("%s@%d", uuid.NewString(), now.Unix())
	headers := buildHeaders(messageID, now, user.Email(), req)
	size := int64(len(headers) + 2 + len(req.Body))

	var created int64
	err = st.WithTx(ctx, func(tx *store.Store) error {
		sent, err := tx.SystemFolder(ctx, user.ID, store.SystemSent)
		if err != nil {
			return err
		}
		uid, err := tx.AllocateUID(ctx, sent.ID)
		if err != nil {
			return err
		}

		msg := &store.Message{
			HeaderMessageID: messageID,
			FromAddr:        user.Email(),
			ToAddr:          req.To,
			Cc:              req.Cc,
			Subject:         req.Subject,
			Headers:         headers,
			Body:            req.Body,
			MessageSize:     size,
			ReceivedAt:      now,
			SentDate:        &now,
			InReplyTo:       req.InReplyTo,
			References:      req.References,
			Envelope: mustJSON(map[string]any{
				"date":      now.Format(time.RFC1123Z),
				"subject":   req.Subject,
				"from":      user.Email(),
				"to":        req.To,
				"cc":        req.Cc,
				"messageId": messageID,
			}),
			BodyStructure: mustJSON(map[string]any{
				"contentType": "text/plain",
				"size":        size,
			}),
			UID:         uid,
			UIDValidity: sent.UIDValidity,
		}
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return err
		}

		um := &store.UserMessage{
			UserID:     user.ID,
			MessageID:  msg.ID,
			FolderID:   sent.ID,
			UID:        uid,
			ReceivedAt: now,
		}
		if err := tx.CreateUserMessage(ctx, um); err != nil {
			return err
		}

		// The sender sees their own mail as read.
		if err := tx.SetFlag(ctx, msg.ID, user.ID, store.FlagSeen, true, now); err != nil {
			return err
		}

		f, err := tx.FolderByID(ctx, sent.ID)
		if err != nil {
			return err
		}
		f.Exists++
		if err := tx.UpdateFolder(ctx, f); err != nil {
			return err
		}
		created = msg.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, user, created)
}

func buildHeaders(messageID string, now time.Time, from string, req CreateRequest) string {
	var b strings.Builder
	write := func(name, value string) {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}
	write("Message-ID", "<"+messageID+">")
	write("Date", now.Format(time.RFC1123Z))
	write("From", from)
	write("To", req.To)
	write("Subject", req.Subject)
	if req.Cc != "" {
		write("CC", req.Cc)
	}
	if req.InReplyTo != "" {
		write("In-Reply-To", req.InReplyTo)
	}
	if req.References != "" {
		write("References", req.References)
	}
	write("MIME-Version", "1.0")
	write("Content-Type", "text/plain; charset=utf-8")
	write("Content-Transfer-Encoding", "8bit")
	return b.String()
}

// UpdatePatch describes message changes. Nil fields are left alone.
type UpdatePatch struct {
	Flags       map[string]bool
	CustomFlags *[]string
	FolderID    *int64
	Subject     *string
	Body        *string
	BodyHTML    *string
}

func (p *UpdatePatch) touchesContent() bool {
	return p.Subject != nil || p.Body != nil || p.BodyHTML != nil
}

// Update applies the patch: flag upserts, custom-flag replacement, folder
// move with fresh UID, and draft-only content edits.
func (s *Service) Update(ctx context.Context, user *store.User, messageID int64, patch UpdatePatch) (*View, error) {
	st, err := s.storeFor(user)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	err = st.WithTx(ctx, func(tx *store.Store) error {
		um, err := tx.UserMessageFor(ctx, user.ID, messageID)
		if err != nil {
			return err
		}

		if patch.touchesContent() {
			isDraft, err := tx.HasFlag(ctx, messageID, user.ID, store.FlagDraft)
			if err != nil {
				return err
			}
			if !isDraft {
				return ErrNotDraft
			}
		}

		if err := s.applyFlags(ctx, tx, um, user.ID, patch, now); err != nil {
			return err
		}

		if patch.FolderID != nil && *patch.FolderID != um.FolderID {
			if err := s.moveMessage(ctx, tx, um, user.ID, *patch.FolderID); err != nil {
				return err
			}
		}

		if patch.touchesContent() {
			msg := um.Message
			if patch.Subject != nil {
				msg.Subject = *patch.Subject
			}
			if patch.Body != nil {
				msg.Body = *patch.Body
			}
			if patch.BodyHTML != nil {
				msg.BodyHTML = *patch.BodyHTML
			}
			msg.MessageSize = int64(len(msg.Headers) + 2 + len(msg.Body))
			if err := tx.UpdateMessage(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, user, messageID)
}

func (s *Service) applyFlags(ctx context.Context, tx *store.Store, um *store.UserMessage, userID int64, patch UpdatePatch, now time.Time) error {
	for name, isSet := range patch.Flags {
		if name == store.FlagSeen {
			if err := s.adjustUnseen(ctx, tx, um, userID, isSet); err != nil {
				return err
			}
		}
		if err := tx.SetFlag(ctx, um.MessageID, userID, name, isSet, now); err != nil {
			return err
		}
	}

	if patch.CustomFlags != nil {
		current, err := tx.FlagsFor(ctx, um.MessageID, userID)
		if err != nil {
			return err
		}
		wanted := make(map[string]bool, len(*patch.CustomFlags))
		for _, name := range *patch.CustomFlags {
			wanted[name] = true
		}
		// Unset custom flags absent from the replacement list; the rows
		// stay, turned off.
		for _, row := range current {
			if strings.HasPrefix(row.FlagName, `\`) {
				continue
			}
			if !wanted[row.FlagName] {
				if err := tx.SetFlag(ctx, um.MessageID, userID, row.FlagName, false, now); err != nil {
					return err
				}
			}
		}
		for name := range wanted {
			if err := tx.SetFlag(ctx, um.MessageID, userID, name, true, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// adjustUnseen keeps the folder's unseen counter in step with \Seen
// transitions.
func (s *Service) adjustUnseen(ctx context.Context, tx *store.Store, um *store.UserMessage, userID int64, becomingSeen bool) error {
	wasSeen, err := tx.HasFlag(ctx, um.MessageID, userID, store.FlagSeen)
	if err != nil {
		return err
	}
	if wasSeen == becomingSeen {
		return nil
	}
	f, err := tx.FolderByID(ctx, um.FolderID)
	if err != nil {
		return err
	}
	if becomingSeen {
		if f.Unseen > 0 {
			f.Unseen--
		}
	} else {
		f.Unseen++
	}
	return tx.UpdateFolder(ctx, f)
}

func (s *Service) moveMessage(ctx context.Context, tx *store.Store, um *store.UserMessage, userID, destID int64) error {
	dest, err := tx.FolderByID(ctx, destID)
	if err != nil {
		return err
	}
	if dest.UserID != userID {
		return store.ErrNotFound
	}
	src, err := tx.FolderByID(ctx, um.FolderID)
	if err != nil {
		return err
	}

	uid, err := tx.AllocateUID(ctx, dest.ID)
	if err != nil {
		return err
	}

	seen, err := tx.HasFlag(ctx, um.MessageID, userID, store.FlagSeen)
	if err != nil {
		return err
	}

	um.FolderID = dest.ID
	um.UID = uid
	if err := tx.UpdateUserMessage(ctx, um); err != nil {
		return err
	}

	src.Exists--
	if src.Exists < 0 {
		src.Exists = 0
	}
	if !seen && src.Unseen > 0 {
		src.Unseen--
	}
	if err := tx.UpdateFolder(ctx, src); err != nil {
		return err
	}

	// Re-read: AllocateUID already advanced uid_next on the destination.
	dest, err = tx.FolderByID(ctx, dest.ID)
	if err != nil {
		return err
	}
	dest.Exists++
	if !seen {
		dest.Unseen++
	}
	return tx.UpdateFolder(ctx, dest)
}

// Delete soft-deletes: the placement moves to Trash with a fresh UID and
// \Deleted is set. Without a Trash folder the operation fails.
func (s *Service) Delete(ctx context.Context, user *store.User, messageID int64) error {
	st, err := s.storeFor(user)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	return st.WithTx(ctx, func(tx *store.Store) error {
		um, err := tx.UserMessageFor(ctx, user.ID, messageID)
		if err != nil {
			return err
		}
		trash, err := tx.SystemFolder(ctx, user.ID, store.SystemTrash)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNoTrash
			}
			return err
		}

		if um.FolderID != trash.ID {
			if err := s.moveMessage(ctx, tx, um, user.ID, trash.ID); err != nil {
				return err
			}
		}
		return tx.SetFlag(ctx, messageID, user.ID, store.FlagDeleted, true, now)
	})
}

// AppendResult reports where an appended message landed.
type AppendResult struct {
	MessageID   int64
	UID         int64
	UIDValidity int64
}

// AppendRaw persists raw message bytes into the named folder with the given
// flags, as IMAP APPEND requires. INBOX is matched case-insensitively.
func (s *Service) AppendRaw(ctx context.Context, user *store.User, folderName string, flags []string, raw []byte) (*AppendResult, error) {
	st, err := s.storeFor(user)
	if err != nil {
		return nil, err
	}

	parsed := delivery.ParseMessage(raw)
	now := s.clock.Now()

	var result *AppendResult
	err = st.WithTx(ctx, func(tx *store.Store) error {
		f, err := s.resolveFolder(ctx, tx, user.ID, folderName)
		if err != nil {
			return err
		}
		uid, err := tx.AllocateUID(ctx, f.ID)
		if err != nil {
			return err
		}

		msg := &store.Message{
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
			UIDValidity:     f.UIDValidity,
		}
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return err
		}

		um := &store.UserMessage{
			UserID:     user.ID,
			MessageID:  msg.ID,
			FolderID:   f.ID,
			UID:        uid,
			ReceivedAt: now,
		}
		if err := tx.CreateUserMessage(ctx, um); err != nil {
			return err
		}

		seen, recent := false, false
		for _, name := range flags {
			if err := tx.SetFlag(ctx, msg.ID, user.ID, name, true, now); err != nil {
				return err
			}
			switch name {
			case store.FlagSeen:
				seen = true
			case store.FlagRecent:
				recent = true
			}
		}

		updated, err := tx.FolderByID(ctx, f.ID)
		if err != nil {
			return err
		}
		updated.Exists++
		if !seen {
			updated.Unseen++
		}
		if recent {
			updated.Recent++
		}
		if err := tx.UpdateFolder(ctx, updated); err != nil {
			return err
		}

		result = &AppendResult{MessageID: msg.ID, UID: uid, UIDValidity: f.UIDValidity}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) resolveFolder(ctx context.Context, tx *store.Store, userID int64, name string) (*store.Folder, error) {
	f, err := tx.FolderByName(ctx, userID, name)
	if err == nil {
		return f, nil
	}
	if errors.Is(err, store.ErrNotFound) && strings.EqualFold(name, "INBOX") {
		return tx.SystemFolder(ctx, userID, store.SystemInbox)
	}
	return nil, err
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
