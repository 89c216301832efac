// Package metrics holds the Prometheus collectors for taskpilot.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing, so components can take it as an optional dependency.
type Metrics struct {
	// Step execution
	StepResults  *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	StepAttempts *prometheus.HistogramVec

	// Plan execution
	PlanExecutions *prometheus.CounterVec
	PlanDuration   prometheus.Histogram

	// Routing
	RoutingDecisions *prometheus.CounterVec
	RoutingOutcomes  *prometheus.CounterVec

	// Verification
	Verifications *prometheus.CounterVec
	QualityScore  prometheus.Histogram

	// Memory
	MemoryRecords  *prometheus.GaugeVec
	Consolidations *prometheus.CounterVec
	Evictions      *prometheus.CounterVec

	// Skills
	SkillsExtracted prometheus.Counter
	SkillExecutions *prometheus.CounterVec

	// Safety
	SafetyViolations *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with all collectors registered on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		StepResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_step_results_total",
				Help: "Total number of finished plan steps by status",
			},
			[]string{"action", "status"},
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskpilot_step_duration_seconds",
				Help:    "Plan step duration in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
			},
			[]string{"action"},
		),
		StepAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskpilot_step_attempts",
				Help:    "Tool invocations per plan step",
				Buckets: []float64{1, 2, 3, 5, 8},
			},
			[]string{"strategy"},
		),
		PlanExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_plan_executions_total",
				Help: "Total number of executed plans",
			},
			[]string{"success"},
		),
		PlanDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskpilot_plan_duration_seconds",
				Help:    "Plan execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		RoutingDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_routing_decisions_total",
				Help: "Total number of routing decisions by strategy",
			},
			[]string{"strategy"},
		),
		RoutingOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_routing_outcomes_total",
				Help: "Total number of recorded routing outcomes",
			},
			[]string{"strategy", "success"},
		),
		Verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_verifications_total",
				Help: "Total number of verifications",
			},
			[]string{"verified", "cached"},
		),
		QualityScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "taskpilot_quality_score",
				Help:    "Verification quality score",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
		),
		MemoryRecords: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "taskpilot_memory_records",
				Help: "Number of records held in memory by tier",
			},
			[]string{"kind"},
		),
		Consolidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_memory_consolidations_total",
				Help: "Total number of memory consolidation runs",
			},
			[]string{"strategy"},
		),
		Evictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_memory_evictions_total",
				Help: "Total number of memory records forgotten",
			},
			[]string{"kind"},
		),
		SkillsExtracted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "taskpilot_skills_extracted_total",
				Help: "Total number of skills extracted from executions",
			},
		),
		SkillExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_skill_executions_total",
				Help: "Total number of recorded skill executions",
			},
			[]string{"success"},
		),
		SafetyViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskpilot_safety_violations_total",
				Help: "Total number of safety violations by kind",
			},
			[]string{"kind"},
		),
	}
}

// ObserveStep records a finished step.
func (m *Metrics) ObserveStep(action, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StepResults.WithLabelValues(action, status).Inc()
	m.StepDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// ObserveAttempts records how many invocations a step used under a strategy.
func (m *Metrics) ObserveAttempts(strategy string, attempts int) {
	if m == nil {
		return
	}
	m.StepAttempts.WithLabelValues(strategy).Observe(float64(attempts))
}

// ObservePlan records a finished plan execution.
func (m *Metrics) ObservePlan(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.PlanExecutions.WithLabelValues(strconv.FormatBool(success)).Inc()
	m.PlanDuration.Observe(duration.Seconds())
}

// ObserveRoute records a routing decision.
func (m *Metrics) ObserveRoute(strategy string) {
	if m == nil {
		return
	}
	m.RoutingDecisions.WithLabelValues(strategy).Inc()
}

// ObserveRouteOutcome records the outcome fed back for a routing decision.
func (m *Metrics) ObserveRouteOutcome(strategy string, success bool) {
	if m == nil {
		return
	}
	m.RoutingOutcomes.WithLabelValues(strategy, strconv.FormatBool(success)).Inc()
}

// ObserveVerification records a verification result.
func (m *Metrics) ObserveVerification(verified, cached bool, quality float64) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(strconv.FormatBool(verified), strconv.FormatBool(cached)).Inc()
	if !cached {
		m.QualityScore.Observe(quality)
	}
}

// SetMemoryRecords sets the current record count for a memory tier.
func (m *Metrics) SetMemoryRecords(kind string, n int) {
	if m == nil {
		return
	}
	m.MemoryRecords.WithLabelValues(kind).Set(float64(n))
}

// ObserveConsolidation records a consolidation run.
func (m *Metrics) ObserveConsolidation(strategy string) {
	if m == nil {
		return
	}
	m.Consolidations.WithLabelValues(strategy).Inc()
}

// ObserveEvictions records forgotten records for a memory tier.
func (m *Metrics) ObserveEvictions(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Evictions.WithLabelValues(kind).Add(float64(n))
}

// ObserveSkillExtracted records a newly extracted skill.
func (m *Metrics) ObserveSkillExtracted() {
	if m == nil {
		return
	}
	m.SkillsExtracted.Inc()
}

// ObserveSkillExecution records the outcome of a skill-backed step.
func (m *Metrics) ObserveSkillExecution(success bool) {
	if m == nil {
		return
	}
	m.SkillExecutions.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// ObserveViolation records a safety violation.
func (m *Metrics) ObserveViolation(kind string) {
	if m == nil {
		return
	}
	m.SafetyViolations.WithLabelValues(kind).Inc()
}
