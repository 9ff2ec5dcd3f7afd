// Package fault defines the error taxonomy shared by the session engine.
//
// Every rejection the engine reports back to a connection carries a Kind and a
// dotted code of the form "<operation>.<reason>", for example
// "editlock.release.not_holder".
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a rejection.
type Kind string

const (
	// KindForbidden means the caller lacks the lock or grant authority.
	KindForbidden Kind = "forbidden"
	// KindConflict means the state does not match the expected transition.
	KindConflict Kind = "conflict"
	// KindInvalidArgument means the request carried malformed input.
	KindInvalidArgument Kind = "invalid_argument"
	// KindNotFound means an unknown note or connection was referenced.
	KindNotFound Kind = "not_found"
	// KindUnavailable means infrastructure (storage, delivery) failed.
	KindUnavailable Kind = "unavailable"
)

// Sentinels usable with errors.Is regardless of operation or reason.
var (
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrUnavailable     = errors.New("unavailable")
)

// Error is a classified failure.
type Error struct {
	kind Kind
	code string
	err  error
}

// New builds a classified error with code "<operation>.<reason>".
func New(kind Kind, operation, reason string, cause error) *Error {
	return &Error{
		kind: kind,
		code: fmt.Sprintf("%s.%s", operation, reason),
		err:  cause,
	}
}

// Forbidden is shorthand for New(KindForbidden, ...).
func Forbidden(operation, reason string, cause error) *Error {
	return New(KindForbidden, operation, reason, cause)
}

// Conflict is shorthand for New(KindConflict, ...).
func Conflict(operation, reason string, cause error) *Error {
	return New(KindConflict, operation, reason, cause)
}

// InvalidArgument is shorthand for New(KindInvalidArgument, ...).
func InvalidArgument(operation, reason string, cause error) *Error {
	return New(KindInvalidArgument, operation, reason, cause)
}

// NotFound is shorthand for New(KindNotFound, ...).
func NotFound(operation, reason string, cause error) *Error {
	return New(KindNotFound, operation, reason, cause)
}

// Unavailable is shorthand for New(KindUnavailable, ...).
func Unavailable(operation, reason string, cause error) *Error {
	return New(KindUnavailable, operation, reason, cause)
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches the kind sentinels so callers can write errors.Is(err, fault.ErrForbidden).
func (e *Error) Is(target error) bool {
	return target == sentinelFor(e.kind)
}

// Kind reports the classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// Code reports the dotted operation.reason code.
func (e *Error) Code() string {
	return e.code
}

// KindOf returns the classification of err. Unclassified errors are reported as
// KindUnavailable because they originate outside the engine's own checks.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.kind
	}
	switch {
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return KindUnavailable
}

// CodeOf returns the dotted code of err, or "internal" for unclassified errors.
func CodeOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.code
	}
	return "internal"
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindForbidden:
		return ErrForbidden
	case KindConflict:
		return ErrConflict
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindNotFound:
		return ErrNotFound
	case KindUnavailable:
		return ErrUnavailable
	default:
		return nil
	}
}
