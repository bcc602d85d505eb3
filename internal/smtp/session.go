// Package smtp implements the SMTP server protocol for message submission
// and reception.
package smtp

import (
	"errors"
	"strings"

	"github.com/Hafthor/frimerki/internal/store"
)

// State represents the SMTP session state machine.
type State int

const (
	// StateGreeting is the initial state before HELO/EHLO.
	StateGreeting State = iota
	// StateIdentified means the client has sent HELO/EHLO.
	StateIdentified
	// StateMailFrom means a MAIL FROM envelope is open.
	StateMailFrom
	// StateRcptTo means at least one RCPT TO has been accepted.
	StateRcptTo
)

// String returns a human-readable state name for logging.
func (s State) String() string {
	switch s {
	case StateGreeting:
		return "GREETING"
	case StateIdentified:
		return "IDENTIFIED"
	case StateMailFrom:
		return "MAIL_FROM"
	case StateRcptTo:
		return "RCPT_TO"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrBadAddress is returned when an envelope address cannot be parsed.
	ErrBadAddress = errors.New("malformed address")
)

// Session tracks the state of a single SMTP connection.
type Session struct {
	state      State
	hostname   string
	clientName string

	user *store.User

	envelopeFrom string
	recipients   []string
}

// NewSession creates a session in the GREETING state.
func NewSession(hostname string) *Session {
	return &Session{
		state:    StateGreeting,
		hostname: hostname,
	}
}

// State returns the current session state.
func (s *Session) State() State {
	return s.state
}

// Hostname returns the server hostname used in responses.
func (s *Session) Hostname() string {
	return s.hostname
}

// ClientName returns the domain the client announced in HELO/EHLO.
func (s *Session) ClientName() string {
	return s.clientName
}

// Identify records the HELO/EHLO client name and enters IDENTIFIED state.
// Any open envelope is discarded.
func (s *Session) Identify(clientName string) {
	s.clientName = clientName
	s.state = StateIdentified
	s.clearEnvelope()
}

// IsIdentified reports whether HELO/EHLO has been received.
func (s *Session) IsIdentified() bool {
	return s.state != StateGreeting
}

// SetAuthenticated records a successful AUTH.
func (s *Session) SetAuthenticated(user *store.User) {
	s.user = user
}

// IsAuthenticated reports whether AUTH has succeeded.
func (s *Session) IsAuthenticated() bool {
	return s.user != nil
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

// BeginMail opens a mail transaction. The session must be identified.
func (s *Session) BeginMail(from string) error {
	if s.state == StateGreeting {
		return errors.New("HELO/EHLO required before MAIL FROM")
	}
	s.envelopeFrom = from
	s.recipients = nil
	s.state = StateMailFrom
	return nil
}

// AddRecipient appends a recipient to the open envelope.
func (s *Session) AddRecipient(addr string) error {
	if s.state != StateMailFrom && s.state != StateRcptTo {
		return errors.New("MAIL FROM required before RCPT TO")
	}
	s.recipients = append(s.recipients, addr)
	s.state = StateRcptTo
	return nil
}

// EnvelopeFrom returns the reverse-path of the open envelope.
func (s *Session) EnvelopeFrom() string {
	return s.envelopeFrom
}

// Recipients returns the accepted forward-paths.
func (s *Session) Recipients() []string {
	return s.recipients
}

// CanData reports whether DATA may begin.
func (s *Session) CanData() bool {
	return s.state == StateRcptTo
}

// Reset clears the envelope and returns to IDENTIFIED, preserving the
// client name and authentication.
func (s *Session) Reset() {
	if s.state == StateGreeting {
		return
	}
	s.clearEnvelope()
	s.state = StateIdentified
}

func (s *Session) clearEnvelope() {
	s.envelopeFrom = ""
	s.recipients = nil
}

// parsePath extracts the address from a MAIL FROM / RCPT TO argument of
// the form "<local@domain>" with optional trailing ESMTP parameters,
// which are ignored. The empty reverse-path "<>" is valid for MAIL FROM.
func parsePath(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	start := strings.IndexByte(arg, '<')
	if start < 0 {
		// Lenient: accept a bare address up to the first space.
		if arg == "" {
			return "", ErrBadAddress
		}
		if i := strings.IndexByte(arg, ' '); i >= 0 {
			arg = arg[:i]
		}
		return arg, nil
	}
	end := strings.IndexByte(arg[start:], '>')
	if end < 0 {
		return "", ErrBadAddress
	}
	return arg[start+1 : start+end], nil
}

// splitCommand splits "MAIL FROM:<a@b>" style input into a verb and the
// remainder. The verb comparison is case-insensitive; two-word verbs
// (MAIL FROM, RCPT TO) are handled by the caller via the colon.
func splitCommand(line string) (verb, rest string) {
	line = strings.TrimSpace(line)
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return strings.ToUpper(line[:i]), strings.TrimSpace(line[i+1:])
	}
	return strings.ToUpper(line), ""
}

// cutPrefixFold strips a case-insensitive prefix, reporting whether it
// was present.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}
