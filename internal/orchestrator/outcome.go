package orchestrator

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/harrison/taskpilot/internal/memory"
	"github.com/harrison/taskpilot/internal/models"
)

// PanicError is a panic raised inside a collaborator, recovered by the
// orchestrator.
type PanicError struct {
	Op    string // "plan", "execute", "verify" or "learn"
	Value any    // Value passed to panic
	Stack []byte
}

// Error implements the error interface for PanicError.
func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Op, e.Value)
}

// Unwrap returns the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// IsPanicError checks if the error is or wraps a PanicError.
func IsPanicError(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

// recoverInto converts a panic into a *PanicError stored in errp.
// It must be called directly by defer.
func recoverInto(op string, errp *error) {
	if r := recover(); r != nil {
		*errp = &PanicError{Op: op, Value: r, Stack: debug.Stack()}
	}
}

// PlanOutcome carries a plan or the error that prevented one.
type PlanOutcome struct {
	Plan models.Plan
	Err  error
}

// OK reports whether a plan was produced.
func (o PlanOutcome) OK() bool { return o.Err == nil }

// ExecuteOutcome carries an execution result. A timed-out run carries both
// the partial result and a *executor.TimeoutError.
type ExecuteOutcome struct {
	Execution models.ExecutionResult
	Err       error
}

// OK reports whether the run finished without an executor error.
func (o ExecuteOutcome) OK() bool { return o.Err == nil }

// VerifyOutcome carries a verification result.
type VerifyOutcome struct {
	Verification models.VerificationResult
	Err          error
}

// OK reports whether the execution was graded.
func (o VerifyOutcome) OK() bool { return o.Err == nil }

// LearnReport describes what one learning pass changed.
type LearnReport struct {
	ExperienceID   string
	Importance     float64
	Skill          string // Extracted skill name, empty when none
	SkillMerged    bool   // The extracted skill merged into an existing one
	SkillsRecorded []string
	Consolidation  *memory.ConsolidationReport // nil when consolidation did not run
}

// LearnOutcome carries a learning report. Err joins every step that failed;
// the report still reflects the steps that succeeded.
type LearnOutcome struct {
	Report LearnReport
	Err    error
}

// OK reports whether every learning step succeeded.
func (o LearnOutcome) OK() bool { return o.Err == nil }

// Attempt is one plan, execute, verify and learn cycle within Run.
type Attempt struct {
	Plan         models.Plan
	Execution    models.ExecutionResult
	ExecuteErr   error
	Verification models.VerificationResult
	Learn        LearnOutcome
}

// RunOutcome is the result of Run. Attempts holds every completed cycle in
// order; the last one is the final answer.
type RunOutcome struct {
	Attempts []Attempt
	Err      error
}

// Verified reports whether the final attempt was verified.
func (o RunOutcome) Verified() bool {
	last, ok := o.Last()
	return ok && o.Err == nil && last.Verification.Verified
}

// Last returns the final attempt.
func (o RunOutcome) Last() (Attempt, bool) {
	if len(o.Attempts) == 0 {
		return Attempt{}, false
	}
	return o.Attempts[len(o.Attempts)-1], true
}
