package planner

import (
	"errors"
	"fmt"
)

// ErrorKind classifies planning failures.
type ErrorKind string

const (
	// KindUnparseable means the generator replied but no valid plan could be read from it.
	KindUnparseable ErrorKind = "unparseable"
	// KindUnavailable means the generator could not be reached or failed.
	KindUnavailable ErrorKind = "unavailable"
)

// PlanningError is returned when a goal cannot be turned into a plan.
type PlanningError struct {
	Kind ErrorKind
	Goal string
	Err  error
}

// Error implements the error interface for PlanningError.
func (e *PlanningError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("planning %q failed (%s)", e.Goal, e.Kind)
	}
	return fmt.Sprintf("planning %q failed (%s): %v", e.Goal, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *PlanningError) Unwrap() error {
	return e.Err
}

// IsPlanningError checks if the error is or wraps a PlanningError of the given kind.
// An empty kind matches any PlanningError.
func IsPlanningError(err error, kind ErrorKind) bool {
	var pe *PlanningError
	if !errors.As(err, &pe) {
		return false
	}
	return kind == "" || pe.Kind == kind
}
