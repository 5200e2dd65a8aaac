package store

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every store implementation. Raw driver errors never cross the store
// boundary; they are translated into one of these.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a create violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate")

	// ErrUnknown classifies infrastructure failures that have no finer mapping.
	ErrUnknown = errors.New("unknown store error")
)

// UnknownError carries an unclassified infrastructure failure. The cause is kept for logging
// but it only matches ErrUnknown.
type UnknownError struct {
	Op    string
	Cause error
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Cause)
}

// Unwrap returns ErrUnknown so callers classify without seeing the driver error.
func (e *UnknownError) Unwrap() error {
	return ErrUnknown
}

// Unknown wraps err as an UnknownError unless it is already classified.
func Unknown(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrUnknown) {
		return err
	}
	return &UnknownError{Op: op, Cause: err}
}

// NotFound returns an ErrNotFound annotated with the entity kind and id.
func NotFound(kind string, id fmt.Stringer) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// Duplicate returns an ErrDuplicate annotated with the conflicting field.
func Duplicate(kind, field, value string) error {
	return fmt.Errorf("%s with %s %s already exists: %w", kind, field, value, ErrDuplicate)
}
