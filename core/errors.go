package core

// Error taxonomy shared by every component. Callers branch on Kind, never
// on the wrapped message text.

import (
	"errors"
	"fmt"
)

// Kind is one of the eight error kinds named by the propagation policy.
type Kind string

const (
	KindInvalidInput Kind = "invalid_input"
	KindUnauthorized Kind = "unauthorized"
	KindConflict     Kind = "conflict"
	KindNotFound     Kind = "not_found"
	KindStale        Kind = "stale"
	KindTransient    Kind = "transient"
	KindPartition    Kind = "partition"
	KindFatal        Kind = "fatal"
)

// Error wraps a Kind, a short message and an optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs a tagged Error. cause may be nil.
func NewError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to fatal for untagged errors —
// an operation that fails without an explicit taxonomy is treated as the
// most conservative outcome.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

func IsKind(err error, k Kind) bool { return KindOf(err) == k }
