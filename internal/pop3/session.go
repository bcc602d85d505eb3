package pop3

import (
	"context"
	"crypto/tls"
	"strconv"

	"github.com/emersion/go-sasl"

	"github.com/Hafthor/frimerki/internal/message"
	"github.com/Hafthor/frimerki/internal/store"
)

// maildropPageSize is the page size used when loading the maildrop.
const maildropPageSize = 100

// maildropLimit caps the number of messages visible in one POP3 session.
const maildropLimit = 1000

// State represents the current state in the POP3 state machine.
type State int

const (
	// StateAuthorization is the initial state where authentication is required.
	StateAuthorization State = iota

	// StateTransaction is the state after successful authentication.
	StateTransaction

	// StateUpdate is the state after QUIT from Transaction (for committing changes).
	StateUpdate
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	case StateUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// TLSState represents the current TLS encryption state of the connection.
type TLSState int

const (
	// TLSStateNone indicates no TLS protection (before STLS).
	TLSStateNone TLSState = iota

	// TLSStateActive indicates TLS is active (after STLS or implicit TLS).
	TLSStateActive
)

// String returns the string representation of the TLS state.
func (ts TLSState) String() string {
	switch ts {
	case TLSStateNone:
		return "NONE"
	case TLSStateActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// MessageService is the slice of the message layer that POP3 sessions use.
type MessageService interface {
	List(ctx context.Context, user *store.User, opts message.ListOptions) (*message.Page, error)
	Get(ctx context.Context, user *store.User, messageID int64) (*message.View, error)
	Delete(ctx context.Context, user *store.User, messageID int64) error
}

// MaildropEntry is one message in the session's INBOX snapshot.
type MaildropEntry struct {
	MessageID int64
	Size      int64
	UID       string
}

// Session represents a POP3 session with state tracking.
//
// After authentication the session owns a maildrop: a snapshot of the
// user's INBOX taken once. Message numbering is 1-based and stable for
// the lifetime of the session regardless of deliveries happening
// underneath.
type Session struct {
	// State machine
	state    State
	tlsState TLSState

	// Configuration
	hostname  string
	tlsConfig *tls.Config

	// Authentication state
	username string
	user     *store.User

	// SASL state (for multi-step authentication exchanges)
	saslServer sasl.Server
	saslMech   string

	// Transaction state
	svc        MessageService
	maildrop   []MaildropEntry
	deletedSet map[int]bool // 1-based message numbers marked deleted
}

// NewSession creates a new POP3 session.
func NewSession(hostname string, tlsConfig *tls.Config, isTLS bool) *Session {
	tlsState := TLSStateNone
	if isTLS {
		tlsState = TLSStateActive
	}

	return &Session{
		state:     StateAuthorization,
		tlsState:  tlsState,
		hostname:  hostname,
		tlsConfig: tlsConfig,
	}
}

// State returns the current POP3 state.
func (s *Session) State() State {
	return s.state
}

// TLSState returns the current TLS state.
func (s *Session) TLSState() TLSState {
	return s.tlsState
}

// SetTLSActive marks the connection as using TLS.
// Should be called after successful STLS upgrade.
func (s *Session) SetTLSActive() {
	s.tlsState = TLSStateActive
}

// IsTLSActive returns true if TLS is currently active.
func (s *Session) IsTLSActive() bool {
	return s.tlsState == TLSStateActive
}

// CanSTLS returns true if the STLS command is available: only in
// AUTHORIZATION state, on plaintext connections, with TLS configured.
func (s *Session) CanSTLS() bool {
	return s.state == StateAuthorization &&
		s.tlsState == TLSStateNone &&
		s.tlsConfig != nil
}

// TLSConfig returns the TLS configuration for STLS.
func (s *Session) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// SetUsername stores the username from the USER command.
func (s *Session) SetUsername(username string) {
	s.username = username
}

// Username returns the stored username.
func (s *Session) Username() string {
	return s.username
}

// SetAuthenticated transitions to StateTransaction after successful
// authentication and records the authenticated user.
func (s *Session) SetAuthenticated(user *store.User) {
	s.state = StateTransaction
	s.user = user
	s.username = user.Email()
}

// IsAuthenticated returns true if in StateTransaction or StateUpdate.
func (s *Session) IsAuthenticated() bool {
	return s.state == StateTransaction || s.state == StateUpdate
}

// User returns the authenticated user, or nil.
func (s *Session) User() *store.User {
	return s.user
}

// EnterUpdate transitions to StateUpdate (called when QUIT is received in Transaction).
func (s *Session) EnterUpdate() {
	if s.state == StateTransaction {
		s.state = StateUpdate
	}
}

// SetSASLServer sets the active SASL server for a multi-step exchange.
func (s *Session) SetSASLServer(mech string, server sasl.Server) {
	s.saslMech = mech
	s.saslServer = server
}

// SASLServer returns the active SASL server, or nil if none.
func (s *Session) SASLServer() sasl.Server {
	return s.saslServer
}

// SASLMech returns the current SASL mechanism name.
func (s *Session) SASLMech() string {
	return s.saslMech
}

// ClearSASL clears the SASL state after completion or cancellation.
func (s *Session) ClearSASL() {
	s.saslServer = nil
	s.saslMech = ""
}

// IsSASLInProgress returns true if a SASL exchange is in progress.
func (s *Session) IsSASLInProgress() bool {
	return s.saslServer != nil
}

// Capabilities returns the list of capabilities for this session.
func (s *Session) Capabilities() []string {
	caps := []string{"USER", "TOP", "UIDL", "RESP-CODES", "SASL PLAIN"}

	if s.CanSTLS() {
		caps = append(caps, "STLS")
	}

	return caps
}

// InitializeMaildrop snapshots the authenticated user's INBOX.
// Should be called once, after successful authentication.
func (s *Session) InitializeMaildrop(ctx context.Context, svc MessageService) error {
	if s.user == nil {
		return ErrMaildropNotInitialized
	}

	s.svc = svc
	s.deletedSet = make(map[int]bool)
	s.maildrop = nil

	// Pull INBOX pages oldest-first until the snapshot cap is reached.
	for skip := 0; skip < maildropLimit; {
		page, err := svc.List(ctx, s.user, message.ListOptions{
			Folder:    store.SystemInbox,
			SortBy:    "date",
			SortOrder: "asc",
			Skip:      skip,
			Take:      maildropPageSize,
		})
		if err != nil {
			return err
		}
		for _, v := range page.Items {
			s.maildrop = append(s.maildrop, MaildropEntry{
				MessageID: v.ID,
				Size:      v.Size,
				UID:       strconv.FormatInt(v.ID, 10),
			})
		}
		skip += len(page.Items)
		if len(page.Items) == 0 || int64(skip) >= page.TotalCount {
			break
		}
	}

	return nil
}

// MessageCount returns the count of non-deleted messages.
func (s *Session) MessageCount() int {
	count := 0
	for i := range s.maildrop {
		if !s.deletedSet[i+1] { // 1-based numbering
			count++
		}
	}
	return count
}

// TotalSize returns the total size of non-deleted messages in bytes.
func (s *Session) TotalSize() int64 {
	var total int64
	for i, msg := range s.maildrop {
		if !s.deletedSet[i+1] { // 1-based numbering
			total += msg.Size
		}
	}
	return total
}

// GetMessage returns the maildrop entry by 1-based message number.
// Returns an error if the message doesn't exist or is deleted.
func (s *Session) GetMessage(msgNum int) (*MaildropEntry, error) {
	if s.maildrop == nil && s.deletedSet == nil {
		return nil, ErrMaildropNotInitialized
	}
	if msgNum < 1 || msgNum > len(s.maildrop) {
		return nil, ErrNoSuchMessage
	}
	if s.deletedSet[msgNum] {
		return nil, ErrMessageDeleted
	}
	return &s.maildrop[msgNum-1], nil
}

// MarkDeleted marks a message for deletion by 1-based message number.
func (s *Session) MarkDeleted(msgNum int) error {
	if s.maildrop == nil && s.deletedSet == nil {
		return ErrMaildropNotInitialized
	}
	if msgNum < 1 || msgNum > len(s.maildrop) {
		return ErrNoSuchMessage
	}
	if s.deletedSet[msgNum] {
		return ErrMessageDeleted
	}
	s.deletedSet[msgNum] = true
	return nil
}

// ResetDeletions clears all deletion marks (RSET command).
func (s *Session) ResetDeletions() {
	s.deletedSet = make(map[int]bool)
}

// DeletedMessageIDs returns the message ids marked for deletion.
func (s *Session) DeletedMessageIDs() []int64 {
	var ids []int64
	for msgNum := range s.deletedSet {
		if msgNum >= 1 && msgNum <= len(s.maildrop) {
			ids = append(ids, s.maildrop[msgNum-1].MessageID)
		}
	}
	return ids
}

// Service returns the message service for this session.
func (s *Session) Service() MessageService {
	return s.svc
}

// NumberedEntry pairs a 1-based message number with its maildrop entry.
type NumberedEntry struct {
	MsgNum int
	Entry  MaildropEntry
}

// AllMessages returns the non-deleted maildrop entries for LIST/UIDL.
func (s *Session) AllMessages() []NumberedEntry {
	var result []NumberedEntry
	for i, msg := range s.maildrop {
		if !s.deletedSet[i+1] {
			result = append(result, NumberedEntry{MsgNum: i + 1, Entry: msg})
		}
	}
	return result
}
