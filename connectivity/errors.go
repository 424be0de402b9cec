package connectivity

import (
	"errors"
)

// ErrRetriesExhausted is returned to a waiter whose probe budget ran out
// before connectivity was restored.
var ErrRetriesExhausted = errors.New("connectivity retries exhausted")

// ErrClosed is returned to waiters still queued when the Helper is closed.
var ErrClosed = errors.New("connectivity helper closed")

// RecoverableError marks a transient failure such as lost network, a 5xx
// response or a timeout. Calls failing with it are retried once connectivity
// returns.
type RecoverableError struct {
	Err error
}

func (e *RecoverableError) Error() string {
	return "recoverable connectivity error: " + e.Err.Error()
}

func (e *RecoverableError) Unwrap() error { return e.Err }

// UnrecoverableError marks a failure that retrying cannot fix, such as a
// malformed response.
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string {
	return "unrecoverable connectivity error: " + e.Err.Error()
}

func (e *UnrecoverableError) Unwrap() error { return e.Err }

// Recoverable wraps err in a RecoverableError. It returns nil for a nil err.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &RecoverableError{Err: err}
}

// Unrecoverable wraps err in an UnrecoverableError. It returns nil for a nil err.
func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &UnrecoverableError{Err: err}
}

// IsRecoverable reports whether err is, or wraps, a RecoverableError and was
// not also marked unrecoverable.
func IsRecoverable(err error) bool {
	var ue *UnrecoverableError
	if errors.As(err, &ue) {
		return false
	}
	var re *RecoverableError
	return errors.As(err, &re)
}
