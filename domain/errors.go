package domain

import (
	"errors"
	"fmt"
)

// Kind classifies failures surfaced by the board service.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindConflict
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalid:
		return "invalid"
	default:
		return "internal"
	}
}

// Error is a classified failure with a client-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error  { return newError(KindNotFound, format, args...) }
func Forbidden(format string, args ...any) error { return newError(KindForbidden, format, args...) }
func Conflict(format string, args ...any) error  { return newError(KindConflict, format, args...) }
func Invalid(format string, args ...any) error   { return newError(KindInvalid, format, args...) }

func Unauthenticated(format string, args ...any) error {
	return newError(KindUnauthenticated, format, args...)
}

// Internal wraps an unexpected failure, typically from the document store.
func Internal(err error, format string, args ...any) error {
	e := newError(KindInternal, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of err. Unclassified errors are internal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// MessageOf returns the client-facing message of err.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal server error"
}
