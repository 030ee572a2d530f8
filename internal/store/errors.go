package store

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateID is returned when an operation id was already
	// accepted for the user.
	ErrDuplicateID = errors.New("duplicate operation id")
)

// isUniqueViolation matches the modernc driver's constraint errors.
// The driver exposes no typed error for them.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
