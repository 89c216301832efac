package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for step outcomes.
var (
	// ErrSafetyViolation marks a step refused by the safety guard. Never retried.
	ErrSafetyViolation = errors.New("safety violation")
	// ErrNeedsClarification marks a step routed to a human under strict routing.
	ErrNeedsClarification = errors.New("step needs clarification")
	// ErrToolNotFound marks a step whose action has no registered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidPlan marks a plan rejected during dependency analysis.
	ErrInvalidPlan = errors.New("invalid plan")
)

// ExecutionPhase represents the phase of execution where an error occurred.
type ExecutionPhase int

const (
	// PhaseGraph represents errors during dependency analysis.
	PhaseGraph ExecutionPhase = iota
	// PhaseLevel represents errors while scheduling a dependency level.
	PhaseLevel
	// PhaseStep represents errors during step execution.
	PhaseStep
)

// String returns the string representation of ExecutionPhase.
func (p ExecutionPhase) String() string {
	switch p {
	case PhaseGraph:
		return "graph"
	case PhaseLevel:
		return "level"
	case PhaseStep:
		return "step"
	default:
		return "unknown"
	}
}

// CycleDetectedError reports steps whose references form a cycle.
type CycleDetectedError struct {
	StepIDs []string // Steps on the cycle, in plan order
}

// Error implements the error interface for CycleDetectedError.
func (e *CycleDetectedError) Error() string {
	if len(e.StepIDs) == 1 {
		return fmt.Sprintf("circular dependency detected: step %s references its own output", e.StepIDs[0])
	}
	return fmt.Sprintf("circular dependency detected between steps: %s", strings.Join(e.StepIDs, " -> "))
}

// Unwrap lets errors.Is(err, ErrInvalidPlan) match cycles.
func (e *CycleDetectedError) Unwrap() error {
	return ErrInvalidPlan
}

// StepExecutionError represents a failed attempt of a step.
type StepExecutionError struct {
	StepID    string    // Step that failed
	Action    string    // Tool that was invoked
	Attempt   int       // 1-based attempt number
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

// NewStepExecutionError creates a new StepExecutionError with the current timestamp.
func NewStepExecutionError(stepID, action string, attempt int, err error) *StepExecutionError {
	return &StepExecutionError{
		StepID:    stepID,
		Action:    action,
		Attempt:   attempt,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Error implements the error interface for StepExecutionError.
func (e *StepExecutionError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("step %s (%s) attempt %d failed", e.StepID, e.Action, e.Attempt))
	if e.Err != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Err))
	}
	return sb.String()
}

// Unwrap returns the underlying error for error wrapping support.
func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// ExecutionError aggregates step errors from a plan run.
type ExecutionError struct {
	Phase       ExecutionPhase
	StepErrors  []error
	TotalSteps  int
	FailedSteps int
}

// NewExecutionError creates a new ExecutionError for the given phase.
func NewExecutionError(phase ExecutionPhase, totalSteps int) *ExecutionError {
	return &ExecutionError{Phase: phase, TotalSteps: totalSteps}
}

// Add records a step error and increments the failed step count.
func (e *ExecutionError) Add(err error) {
	e.StepErrors = append(e.StepErrors, err)
	e.FailedSteps++
}

// Error implements the error interface for ExecutionError.
func (e *ExecutionError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("execution failed in %s phase: %d/%d steps failed", e.Phase, e.FailedSteps, e.TotalSteps))
	for _, err := range e.StepErrors {
		sb.WriteString(fmt.Sprintf("\n  - %s", err.Error()))
	}
	return sb.String()
}

// Unwrap returns the step errors so errors.Is and errors.As traverse them.
func (e *ExecutionError) Unwrap() []error {
	return e.StepErrors
}

// TimeoutError represents a step or plan timeout.
type TimeoutError struct {
	StepID          string        // Step that timed out, or "plan"
	TimeoutDuration time.Duration // Duration after which timeout occurred
	Context         string        // Additional context (optional)
	Timestamp       time.Time     // When the timeout occurred
}

// NewTimeoutError creates a new TimeoutError with the current timestamp.
func NewTimeoutError(stepID string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		StepID:          stepID,
		TimeoutDuration: duration,
		Timestamp:       time.Now(),
	}
}

// Error implements the error interface for TimeoutError.
func (e *TimeoutError) Error() string {
	var sb strings.Builder
	if e.StepID == planScope {
		sb.WriteString(fmt.Sprintf("plan: timeout after %v", e.TimeoutDuration))
	} else {
		sb.WriteString(fmt.Sprintf("step %s: timeout after %v", e.StepID, e.TimeoutDuration))
	}
	if e.Context != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", e.Context))
	}
	return sb.String()
}

// Unwrap returns context.DeadlineExceeded to support error wrapping.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

const planScope = "plan"

// IsTimeoutError checks if the error is or wraps a TimeoutError or context.DeadlineExceeded.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsCycleError checks if the error is or wraps a CycleDetectedError.
func IsCycleError(err error) bool {
	var ce *CycleDetectedError
	return errors.As(err, &ce)
}

// IsStepExecutionError checks if the error is or wraps a StepExecutionError.
func IsStepExecutionError(err error) bool {
	var se *StepExecutionError
	return errors.As(err, &se)
}

// IsExecutionError checks if the error is or wraps an ExecutionError.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

// IsSafetyViolation checks if the error marks a blocked step.
func IsSafetyViolation(err error) bool {
	return errors.Is(err, ErrSafetyViolation)
}
