// Package apierr defines the typed error taxonomy shared by every core
// component. The HTTP surface maps a Kind to a status code and renders
// the stable {error: "..."} envelope; it never lets an unformatted
// error string escape to a client.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for HTTP status mapping and client display.
type Kind int

const (
	// KindInternal is the zero value so an un-wrapped error defaults safely to 500.
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindQuota
	KindTimeout
	KindBodyTooLarge
)

// Error is a typed, user-safe error. Detail is always safe to return to
// a client; wrapped internal errors are logged separately and never
// included in Detail for KindInternal.
type Error struct {
	Kind   Kind
	Detail string
	Extra  map[string]any // additional stable fields merged into the envelope
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.cause)
	}
	return e.Detail
}

func (e *Error) Unwrap() error { return e.cause }

func newErr(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error { return newErr(KindValidation, format, args...) }
func NotFound(format string, args ...any) *Error   { return newErr(KindNotFound, format, args...) }
func Conflict(format string, args ...any) *Error   { return newErr(KindConflict, format, args...) }
func Quota(format string, args ...any) *Error      { return newErr(KindQuota, format, args...) }
func Timeout(format string, args ...any) *Error    { return newErr(KindTimeout, format, args...) }
func BodyTooLarge(format string, args ...any) *Error {
	return newErr(KindBodyTooLarge, format, args...)
}

// Internal wraps an unexpected error. Detail is a safe, opaque message;
// the original error is preserved for logging via errors.Unwrap.
func Internal(cause error, detail string) *Error {
	return &Error{Kind: KindInternal, Detail: detail, cause: cause}
}

// WithExtra attaches additional stable JSON fields to the envelope
// (e.g. the current lock owner on a 409, or releasedPorts on a release).
func (e *Error) WithExtra(kv map[string]any) *Error {
	e.Extra = kv
	return e
}

// As reports whether err is (or wraps) an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, defaulting to KindInternal when err is
// not an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
