package skills

import (
	"errors"
	"fmt"
)

// ErrSkillNotFound is returned when a named skill is not registered.
var ErrSkillNotFound = errors.New("skill not found")

// CompositionError reports why a composite skill could not be built.
type CompositionError struct {
	Composite string  // Name of the composite being built
	Component string  // Offending component, empty for whole-request problems
	Reason    string  // Human-readable cause
	Rate      float64 // Component success rate when it was too low
	Err       error   // Underlying error, if any
}

// Error implements the error interface for CompositionError.
func (e *CompositionError) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("compose %s: %s", e.Composite, e.Reason)
	}
	return fmt.Sprintf("compose %s: component %s: %s", e.Composite, e.Component, e.Reason)
}

// Unwrap returns the underlying error.
func (e *CompositionError) Unwrap() error {
	return e.Err
}

// IsCompositionError checks if the error is or wraps a CompositionError.
func IsCompositionError(err error) bool {
	var ce *CompositionError
	return errors.As(err, &ce)
}
