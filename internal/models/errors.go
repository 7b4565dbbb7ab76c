package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers unknown ids and cross-shop access alike, so a
	// caller cannot probe for the existence of another shop's records.
	ErrNotFound = errors.New("not found")

	// ErrConflict signals a lost update detected by an optimistic version
	// check; the caller should retry the operation.
	ErrConflict = errors.New("conflict")
)

// ValidationError rejects malformed input before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
