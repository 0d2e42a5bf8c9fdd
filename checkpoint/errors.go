package checkpoint

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a thread/namespace has no matching checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// ValidationError rejects malformed input. It is never retried.
type ValidationError struct {
	Op  string
	Msg string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("checkpoint %s: invalid input: %s", e.Op, e.Msg)
}

func invalid(op, format string, args ...any) error {
	return &ValidationError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// StorageError reports a failed flush. The in-memory store has already advanced;
// durability of that mutation is uncertain until a later Flush succeeds.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("checkpoint %s: failed to persist %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsStorage reports whether err is a StorageError.
func IsStorage(err error) bool {
	var s *StorageError
	return errors.As(err, &s)
}
