// Package apierr defines the typed error kinds the realtime fabric surfaces
// across component boundaries. It does not map kinds to wire close codes;
// those are defined separately in internal/wire.
package apierr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories handled uniformly by the gateway,
// the consumer loops, and the connection state machine.
type Kind string

const (
	Unauthorized  Kind = "UNAUTHORIZED"
	Forbidden     Kind = "FORBIDDEN"
	NotFound      Kind = "NOT_FOUND"
	Conflict      Kind = "CONFLICT"
	QuotaExceeded Kind = "QUOTA_EXCEEDED"
	RateLimited   Kind = "RATE_LIMITED"
	Transient     Kind = "TRANSIENT"
	Parse         Kind = "PARSE"
	Fatal         Kind = "FATAL"
)

// Error wraps a Kind with a human-readable reason and an optional cause.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a typed error with the given kind and reason.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap constructs a typed error that carries an underlying cause.
func Wrap(kind Kind, reason string, cause error) *Error {
	return &Error{Kind: kind, Reason: reason, Cause: cause}
}

// KindOf extracts the Kind from err, returning ok=false when err does not
// carry one of our typed errors.
func KindOf(err error) (Kind, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) a typed error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
