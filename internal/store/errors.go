package store

import "errors"

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUniqueViolation is returned when a write conflicts with a unique index.
	ErrUniqueViolation = errors.New("unique violation")

	// ErrStorageUnavailable is returned when the underlying handle is lost or
	// the database is transiently unusable.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
