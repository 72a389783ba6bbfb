package order

import (
	"errors"
	"fmt"

	"digit-trader/pkg/broker"
)

// ErrorKind classifies placement failures.
type ErrorKind string

const (
	KindRejected  ErrorKind = "REJECTED"
	KindTransient ErrorKind = "TRANSIENT"
	KindAuth      ErrorKind = "AUTH"
	KindInvalid   ErrorKind = "INVALID"
)

// Error is returned by Place when the venue did not accept the request.
// Ambiguous placements are not errors; they return a Trade flagged Ambiguous.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("order %s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a fresh request may succeed on a later cycle.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Kind == kind
}

func classify(err error) *Error {
	switch {
	case errors.Is(err, broker.ErrAuth):
		return &Error{Kind: KindAuth, Reason: err.Error(), Err: err}
	case errors.Is(err, broker.ErrRejected), errors.Is(err, broker.ErrNotFound):
		return &Error{Kind: KindRejected, Reason: err.Error(), Err: err}
	default:
		return &Error{Kind: KindTransient, Reason: err.Error(), Err: err}
	}
}
