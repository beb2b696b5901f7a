package orders

import (
	"errors"

	"github.com/buildtall-systems/vendorder/internal/payment"
)

var (
	// ErrInvalidRequest indicates malformed input.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound indicates the order or machine does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState indicates the operation is not legal from the order's status.
	ErrInvalidState = errors.New("invalid state")

	// ErrPrecondition indicates missing configuration, such as a machine without a reader.
	ErrPrecondition = errors.New("precondition failed")

	// ErrConflict indicates a request with the same Idempotency-Key is still in flight.
	ErrConflict = errors.New("conflict")

	ErrUpstreamRetryable = payment.ErrUpstreamRetryable
	ErrUpstreamRejected  = payment.ErrUpstreamRejected
)

// Error is a classified service error. Message is safe to show to callers.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}
