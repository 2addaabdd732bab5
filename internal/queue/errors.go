package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/bcnelson/provisioner/internal/domain"
)

// ErrInvalidMessage is returned by Publish when the operation or its
// arguments cannot be delivered.
var ErrInvalidMessage = errors.New("invalid message")

// ErrNoTransaction is returned by PublishIn when the broker cannot take part
// in a datastore transaction.
var ErrNoTransaction = errors.New("broker cannot enqueue in a transaction")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, args...))
}

// PermanentError marks a handler failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the message is dropped instead of retried.
// Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or an error it wraps, is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// errorKind names the error class recorded in a command's error history.
func errorKind(err error) string {
	switch {
	case IsPermanent(err):
		return "PermanentError"
	case errors.Is(err, domain.ErrNotFound):
		return "NotFoundError"
	case errors.Is(err, context.DeadlineExceeded):
		return "TimeoutError"
	}
	return "TransientError"
}
