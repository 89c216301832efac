// Package router picks an execution strategy for each plan step from its
// confidence, the tool's observed history, and the step's complexity.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/harrison/taskpilot/internal/config"
	"github.com/harrison/taskpilot/internal/metrics"
	"github.com/harrison/taskpilot/internal/models"
)

// Confidence weights.
const (
	stepWeight       = 0.5
	historyWeight    = 0.3
	skillWeight      = 0.2
	complexityWeight = 0.2
)

// Task is what the router needs to know about a step.
type Task struct {
	Resource       string
	StepConfidence float64

	// SkillSuccessRate is set when the step came from a known skill.
	SkillSuccessRate *float64

	Complexity float64
}

// TaskForStep builds a Task from a plan step. skillRate may be nil.
func TaskForStep(step models.PlanStep, skillRate *float64) Task {
	return Task{
		Resource:         step.Action,
		StepConfidence:   step.Confidence,
		SkillSuccessRate: skillRate,
		Complexity:       EstimateComplexity(step),
	}
}

// Outcome is one routing decision with its result, as persisted.
type Outcome struct {
	Resource   string
	Strategy   models.RouteStrategy
	Confidence float64
	Success    bool
	RecordedAt time.Time
}

// OutcomeStore persists routing outcomes.
type OutcomeStore interface {
	SaveRoutingOutcome(ctx context.Context, outcome Outcome) error
}

// UncertaintyRouter maps step confidence to a routing strategy.
// It is safe for concurrent use.
type UncertaintyRouter struct {
	cfg     config.RouterConfig
	history *History
	store   OutcomeStore
	metrics *metrics.Metrics
}

// NewUncertaintyRouter creates a router. A nil history gets a fresh one.
func NewUncertaintyRouter(cfg config.RouterConfig, history *History, m *metrics.Metrics) *UncertaintyRouter {
	if history == nil {
		history = NewHistory()
	}
	return &UncertaintyRouter{cfg: cfg, history: history, metrics: m}
}

// SetOutcomeStore enables persistence of recorded outcomes.
func (r *UncertaintyRouter) SetOutcomeStore(store OutcomeStore) {
	r.store = store
}

// History returns the injected routing history.
func (r *UncertaintyRouter) History() *History {
	return r.history
}

// Confidence combines the signals into a single score in [0,1].
// Signals that are absent (no skill rate, no observations of the resource)
// drop out and the remaining weights are renormalized, so a fresh tool is
// judged on the step's own confidence.
func (r *UncertaintyRouter) Confidence(task Task) float64 {
	historyRate, observations := r.history.Rate(task.Resource)

	sum := stepWeight * clamp01(task.StepConfidence)
	total := stepWeight
	if observations > 0 {
		sum += historyWeight * historyRate
		total += historyWeight
	}
	if task.SkillSuccessRate != nil {
		sum += skillWeight * clamp01(*task.SkillSuccessRate)
		total += skillWeight
	}

	score := sum/total - complexityWeight*clamp01(task.Complexity)
	return clamp01(score)
}

// Route returns the strategy for task.
func (r *UncertaintyRouter) Route(_ context.Context, task Task) models.RoutingDecision {
	confidence := r.Confidence(task)
	_, observations := r.history.Rate(task.Resource)

	decision := models.RoutingDecision{
		Resource:   task.Resource,
		Confidence: confidence,
		Complexity: task.Complexity,
	}

	switch {
	case confidence > r.cfg.DirectThreshold:
		decision.Strategy = models.RouteDirect
		decision.Reason = fmt.Sprintf("confidence %.2f above %.2f", confidence, r.cfg.DirectThreshold)
	case confidence >= r.cfg.EnsembleThreshold:
		decision.Strategy = models.RouteEnsemble
		decision.Reason = fmt.Sprintf("confidence %.2f in ensemble band", confidence)
	case confidence >= r.cfg.DecomposeThreshold:
		if task.Complexity >= r.cfg.ComplexityThreshold {
			decision.Strategy = models.RouteDecompose
			decision.Reason = fmt.Sprintf("confidence %.2f with complexity %.2f", confidence, task.Complexity)
		} else {
			decision.Strategy = models.RouteEnsemble
			decision.Reason = fmt.Sprintf("confidence %.2f with low complexity %.2f", confidence, task.Complexity)
		}
	case observations < r.cfg.MinObservations:
		decision.Strategy = models.RouteGatherContext
		decision.Reason = fmt.Sprintf("confidence %.2f with %d observations of %s", confidence, observations, task.Resource)
	default:
		decision.Strategy = models.RouteRequestClarification
		decision.Reason = fmt.Sprintf("confidence %.2f below %.2f", confidence, r.cfg.DecomposeThreshold)
	}

	r.metrics.ObserveRoute(string(decision.Strategy))
	return decision
}

// RecordRoutingOutcome feeds the result of a routed step back into history.
func (r *UncertaintyRouter) RecordRoutingOutcome(ctx context.Context, decision models.RoutingDecision, success bool) error {
	r.history.Record(decision.Resource, success)
	r.metrics.ObserveRouteOutcome(string(decision.Strategy), success)

	if r.store == nil {
		return nil
	}
	err := r.store.SaveRoutingOutcome(ctx, Outcome{
		Resource:   decision.Resource,
		Strategy:   decision.Strategy,
		Confidence: decision.Confidence,
		Success:    success,
		RecordedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("persist routing outcome for %s: %w", decision.Resource, err)
	}
	return nil
}
