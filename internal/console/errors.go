package console

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned for operations on unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConflict is returned when a command targets a session already in
	// the requested state, when a duplicate command is still in flight, or
	// when deleting a session whose worker is running.
	ErrConflict = errors.New("conflict")
)

// ValidationError reports a session config field that is missing or outside
// its allowed bounds. It is surfaced synchronously and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalidField(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
