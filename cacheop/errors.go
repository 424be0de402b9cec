package cacheop

import (
	"errors"
	"fmt"
)

// ErrMissingMetadata is returned when content is requested for an issue
// without persisted metadata.
var ErrMissingMetadata = errors.New("metadata not found")

// OperationFailedError wraps every failure raised while executing an operation.
type OperationFailedError struct {
	Tag  string
	Kind Kind
	Err  error
}

func (e *OperationFailedError) Error() string {
	return fmt.Sprintf("cache operation %s %q failed: %v", e.Kind, e.Tag, e.Err)
}

func (e *OperationFailedError) Unwrap() error { return e.Err }

// IsOperationFailed reports whether err wraps an OperationFailedError.
func IsOperationFailed(err error) bool {
	var oe *OperationFailedError
	return errors.As(err, &oe)
}
