package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for common database conditions, mirrored onto
// apierr.Kind by every calling component.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// wrapDBError wraps a database error with operation context, folding
// sql.ErrNoRows into ErrNotFound so callers can use errors.Is uniformly.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isUniqueViolation detects a SQLite UNIQUE constraint failure from the
// modernc.org/sqlite driver, which reports it as a plain error string
// rather than a typed error value.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err is or wraps ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
