package weights

import (
	"errors"
	"fmt"
)

var (
	// ErrSingularLocalSystem is returned when a local Gram system cannot be
	// solved even after regularization.
	ErrSingularLocalSystem = errors.New("local weight system is singular")

	// ErrShape is returned when points and neighbor lists disagree in size.
	ErrShape = errors.New("weights: shape mismatch")
)

// LocalSystemError identifies the point whose local system failed.
//
// The original underlying error can be accessed via errors.Unwrap.
type LocalSystemError struct {
	Point int
	cause error
}

func (e *LocalSystemError) Error() string {
	return fmt.Sprintf("point %d: %v", e.Point, e.cause)
}

func (e *LocalSystemError) Unwrap() error { return e.cause }
