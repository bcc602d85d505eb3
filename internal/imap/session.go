package imap

import (
	"context"

	"github.com/Hafthor/frimerki/internal/message"
	"github.com/Hafthor/frimerki/internal/store"
)

// State is the IMAP connection state.
type State int

const (
	// StateNotAuthenticated is the initial state.
	StateNotAuthenticated State = iota
	// StateAuthenticated means LOGIN/AUTHENTICATE succeeded.
	StateAuthenticated
	// StateSelected means a mailbox is open.
	StateSelected
	// StateLogout means the session is ending.
	StateLogout
)

// String returns a human-readable state name for logging.
func (s State) String() string {
	switch s {
	case StateNotAuthenticated:
		return "NOT_AUTHENTICATED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateSelected:
		return "SELECTED"
	case StateLogout:
		return "LOGOUT"
	default:
		return "UNKNOWN"
	}
}

// Mailbox is the session's view of the selected folder: a sequence-ordered
// snapshot plus the counters last reported to the client.
type Mailbox struct {
	Folder   *store.Folder
	Views    []message.View
	ReadOnly bool

	// Counters last sent to the client, for edge-triggered untagged
	// EXISTS/RECENT responses at command boundaries.
	ReportedExists int
	ReportedRecent int
}

// ByUID returns the view with the given UID and its sequence number, or
// (nil, 0).
func (m *Mailbox) ByUID(uid int64) (*message.View, int64) {
	for i := range m.Views {
		if m.Views[i].UID == uid {
			return &m.Views[i], int64(i + 1)
		}
	}
	return nil, 0
}

// MaxSeq returns the highest sequence number.
func (m *Mailbox) MaxSeq() int64 {
	return int64(len(m.Views))
}

// MaxUID returns the highest UID in the snapshot, for "*" in UID sets.
func (m *Mailbox) MaxUID() int64 {
	if len(m.Views) == 0 {
		return 0
	}
	return m.Views[len(m.Views)-1].UID
}

// Session tracks one IMAP connection's protocol state.
type Session struct {
	state    State
	hostname string
	user     *store.User
	mailbox  *Mailbox
}

// NewSession creates a session in the NOT_AUTHENTICATED state.
func NewSession(hostname string) *Session {
	return &Session{state: StateNotAuthenticated, hostname: hostname}
}

// State returns the current connection state.
func (s *Session) State() State {
	return s.state
}

// User returns the authenticated user, or nil.
func (s *Session) User() *store.User {
	return s.user
}

// Username returns the authenticated identity for logging, or "".
func (s *Session) Username() string {
	if s.user == nil {
		return ""
	}
	return s.user.Email()
}

// SetAuthenticated transitions to AUTHENTICATED.
func (s *Session) SetAuthenticated(user *store.User) {
	s.user = user
	s.state = StateAuthenticated
}

// IsAuthenticated reports whether the session has passed LOGIN.
func (s *Session) IsAuthenticated() bool {
	return s.state == StateAuthenticated || s.state == StateSelected
}

// Mailbox returns the selected mailbox snapshot, or nil.
func (s *Session) Mailbox() *Mailbox {
	return s.mailbox
}

// Select installs a mailbox snapshot and enters SELECTED.
func (s *Session) Select(mb *Mailbox) {
	s.mailbox = mb
	s.state = StateSelected
}

// Deselect drops the selected mailbox and returns to AUTHENTICATED.
func (s *Session) Deselect() {
	if s.state == StateSelected {
		s.mailbox = nil
		s.state = StateAuthenticated
	}
}

// Logout transitions to LOGOUT.
func (s *Session) Logout() {
	s.mailbox = nil
	s.state = StateLogout
}

// AuthProvider authenticates IMAP clients.
type AuthProvider interface {
	Authenticate(ctx context.Context, email, password string) (*store.User, error)
}
