package supervisor

import (
	"errors"

	"github.com/tunneld/tunneld/internal/registry"
)

// Error carries a failure classification through the session layer so the
// supervisor can pick the right retry policy.
type Error struct {
	Kind registry.ErrorKind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a classification.
func NewError(kind registry.ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Classify extracts the error kind from err, defaulting to a transport
// failure: unclassified errors are assumed retryable.
func Classify(err error) registry.ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return registry.ErrKindTransport
}
