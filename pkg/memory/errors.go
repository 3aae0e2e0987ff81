package memory

import (
	"errors"
	"fmt"
)

// Error taxonomy. Component packages wrap these sentinels so callers can
// branch with [errors.Is]; the substrate facade recovers from all of them.
var (
	// ErrTransientIO marks disk or network hiccups during persistence or
	// embedding calls. Recovered by retry, fallback or degraded operation.
	ErrTransientIO = errors.New("memory: transient i/o failure")

	// ErrSchemaMismatch marks persisted state whose dimensions do not match
	// the current configuration. Recovered by resetting only that sub-state.
	ErrSchemaMismatch = errors.New("memory: persisted schema mismatch")

	// ErrCapacityExceeded marks a full bounded structure. Recovered by the
	// structure's eviction policy (erosion, pruning or dropping input).
	ErrCapacityExceeded = errors.New("memory: capacity exceeded")

	// ErrValidation marks malformed input at a component boundary.
	ErrValidation = errors.New("memory: validation failed")

	// ErrDuplicateID marks an insert whose fragment ID is already stored.
	// Stores never replace a persisted fragment.
	ErrDuplicateID = errors.New("memory: duplicate fragment id")
)

// ShapeError reports a vector whose length does not match the configured
// dimension. It matches [ErrValidation].
type ShapeError struct {
	Op   string
	Want int
	Got  int
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("memory: %s: dimension mismatch: want %d, got %d", e.Op, e.Want, e.Got)
}

// Is reports whether target is [ErrValidation].
func (e *ShapeError) Is(target error) bool {
	return target == ErrValidation
}

// SchemaError reports a persisted sub-state whose shape differs from the
// configured one. It matches [ErrSchemaMismatch].
type SchemaError struct {
	Component string
	Field     string
	Want      int
	Got       int
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("memory: %s: persisted %s is %d, configured %d", e.Component, e.Field, e.Got, e.Want)
}

// Is reports whether target is [ErrSchemaMismatch].
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchemaMismatch
}

// Transient wraps err so that it matches [ErrTransientIO]. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransientIO, err)
}
