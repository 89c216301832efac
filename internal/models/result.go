package models

import "time"

// StepStatus is the terminal state of a plan step.
type StepStatus string

// Step status constants
const (
	StatusSucceeded StepStatus = "SUCCEEDED" // Step produced an output
	StatusFailed    StepStatus = "FAILED"    // Step exhausted its retries
	StatusBlocked   StepStatus = "BLOCKED"   // Safety guard refused the step
	StatusCancelled StepStatus = "CANCELLED" // Step never ran or was interrupted
)

// StepResult is the outcome of a single step.
type StepResult struct {
	StepID   string          // Step this result belongs to
	Status   StepStatus      // Terminal status
	Output   any             // Tool output when Succeeded
	Error    string          // Failure description (empty on success)
	Attempts int             // Number of invocations made
	Duration time.Duration   // Wall time spent on the step
	Route    RoutingDecision // Routing decision used for the step
}

// Succeeded reports whether the step succeeded.
func (r StepResult) Succeeded() bool {
	return r.Status == StatusSucceeded
}

// ExecutionResult is the aggregate outcome of a plan run.
// StepResults always has one entry per plan step, in plan order.
type ExecutionResult struct {
	ID          string         // Unique execution identifier
	PlanID      string         // Plan that was executed
	Goal        string         // Goal copied from the plan
	StepResults []StepResult   // Per-step results in plan order
	Success     bool           // All required steps succeeded
	FinalOutput any            // Output of the last succeeded step
	Metadata    map[string]any // Executor metadata (levels, policy, timings)
	Duration    time.Duration  // Total wall time
}

// CountByStatus tallies step results by status.
func (e ExecutionResult) CountByStatus() map[StepStatus]int {
	counts := make(map[StepStatus]int)
	for _, r := range e.StepResults {
		counts[r.Status]++
	}
	return counts
}

// ResultFor returns the result for the given step id.
func (e ExecutionResult) ResultFor(stepID string) (StepResult, bool) {
	for _, r := range e.StepResults {
		if r.StepID == stepID {
			return r, true
		}
	}
	return StepResult{}, false
}

// Issue is a single problem found during verification.
type Issue struct {
	Severity    string `json:"severity"`    // "critical", "warning", "info"
	Description string `json:"description"` // Issue description
	StepID      string `json:"step_id"`     // Step the issue refers to (optional)
}

// VerificationResult grades an execution.
type VerificationResult struct {
	ExecutionID  string             // Execution that was graded
	Verified     bool               // QualityScore >= threshold
	QualityScore float64            // Weighted score in [0,1]
	Issues       []Issue            // Problems found
	RevisedPlan  string             // Textual patch hint for re-planning (empty when verified)
	Checks       map[string]float64 // Individual check scores
}
