package pop3

import "errors"

var (
	// ErrAuthFailed is returned when authentication fails, whatever the
	// underlying cause.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNoSuchMessage is returned for a message number outside the maildrop.
	ErrNoSuchMessage = errors.New("no such message")

	// ErrMessageDeleted is returned when accessing a message already marked
	// for deletion in this session.
	ErrMessageDeleted = errors.New("message already deleted")

	// ErrMaildropNotInitialized is returned when the maildrop is accessed
	// before authentication completed.
	ErrMaildropNotInitialized = errors.New("maildrop not initialized")
)
