package router

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/taskpilot/internal/config"
	"github.com/harrison/taskpilot/internal/metrics"
	"github.com/harrison/taskpilot/internal/models"
)

func newTestRouter(history *History) *UncertaintyRouter {
	return NewUncertaintyRouter(config.DefaultConfig().Router, history, nil)
}

func ptr(f float64) *float64 { return &f }

func TestHistoryLaplaceSmoothing(t *testing.T) {
	h := NewHistory()

	rate, n := h.Rate("add")
	assert.Equal(t, 0.5, rate)
	assert.Equal(t, 0, n)

	h.Record("add", true)
	h.Record("add", true)
	h.Record("add", false)

	rate, n = h.Rate("add")
	assert.InDelta(t, 3.0/5.0, rate, 1e-9)
	assert.Equal(t, 3, n)

	h.Restore([]ResourceStats{{Resource: "divide", Successes: 0, Attempts: 8}})
	rate, n = h.Rate("divide")
	assert.InDelta(t, 0.1, rate, 1e-9)
	assert.Equal(t, 8, n)

	snap := h.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "add", snap[0].Resource)
}

func TestConfidenceFormula(t *testing.T) {
	h := NewHistory()
	h.Restore([]ResourceStats{{Resource: "add", Successes: 3, Attempts: 3}})
	r := newTestRouter(h)

	// no skill: weights renormalized over step and history
	got := r.Confidence(Task{Resource: "add", StepConfidence: 0.9, Complexity: 0.1})
	assert.InDelta(t, 0.625*0.9+0.375*0.8-0.02, got, 1e-9)

	got = r.Confidence(Task{Resource: "add", StepConfidence: 0.9, SkillSuccessRate: ptr(1.0), Complexity: 0.1})
	assert.InDelta(t, 0.45+0.24+0.2-0.02, got, 1e-9)

	// no observations: history drops out
	got = r.Confidence(Task{Resource: "fresh", StepConfidence: 0.9, Complexity: 0.1})
	assert.InDelta(t, 0.88, got, 1e-9)

	got = r.Confidence(Task{Resource: "fresh", StepConfidence: 0.9, SkillSuccessRate: ptr(1.0), Complexity: 0.1})
	assert.InDelta(t, (0.45+0.2)/0.7-0.02, got, 1e-9)

	got = r.Confidence(Task{Resource: "add", StepConfidence: 0, Complexity: 1})
	assert.Equal(t, 0.0, got)
}

func TestFreshToolRoutesOnStepConfidence(t *testing.T) {
	add := func(confidence float64) models.PlanStep {
		return models.PlanStep{Action: "add", Confidence: confidence, Parameters: map[string]any{"a": 7.0, "b": 5.0}}
	}

	r := newTestRouter(nil)
	decision := r.Route(context.Background(), TaskForStep(add(0.85), nil))
	assert.Equal(t, models.RouteDirect, decision.Strategy, "confidence %.3f", decision.Confidence)

	for _, c := range []float64{0.4, 0.6, 0.7} {
		decision = r.Route(context.Background(), TaskForStep(add(c), nil))
		assert.NotEqual(t, models.RouteDirect, decision.Strategy, "step confidence %.2f", c)
	}

	// once observed, a poor track record pulls a confident step out of direct
	r.History().Restore([]ResourceStats{{Resource: "add", Successes: 0, Attempts: 6}})
	decision = r.Route(context.Background(), TaskForStep(add(0.85), nil))
	assert.NotEqual(t, models.RouteDirect, decision.Strategy, "confidence %.3f", decision.Confidence)
}

func TestRoutePolicy(t *testing.T) {
	tests := []struct {
		name      string
		task      Task
		seed      []ResourceStats
		wantStrat models.RouteStrategy
	}{
		{
			name:      "high confidence direct",
			task:      Task{Resource: "add", StepConfidence: 0.9, Complexity: 0.1},
			wantStrat: models.RouteDirect,
		},
		{
			name:      "middle band ensemble",
			task:      Task{Resource: "add", StepConfidence: 0.6, Complexity: 0.1},
			wantStrat: models.RouteEnsemble,
		},
		{
			name:      "low band complex decomposes",
			task:      Task{Resource: "analyze", StepConfidence: 0.6, Complexity: 0.6},
			wantStrat: models.RouteDecompose,
		},
		{
			name:      "low band simple ensembles",
			task:      Task{Resource: "add", StepConfidence: 0.4, Complexity: 0.1},
			wantStrat: models.RouteEnsemble,
		},
		{
			name:      "very low with little history gathers context",
			task:      Task{Resource: "mystery", StepConfidence: 0.1, Complexity: 0.5},
			wantStrat: models.RouteGatherContext,
		},
		{
			name:      "very low with history asks for clarification",
			task:      Task{Resource: "mystery", StepConfidence: 0.1, Complexity: 0.5},
			seed:      []ResourceStats{{Resource: "mystery", Successes: 0, Attempts: 10}},
			wantStrat: models.RouteRequestClarification,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHistory()
			h.Restore(tt.seed)
			r := newTestRouter(h)

			decision := r.Route(context.Background(), tt.task)
			assert.Equal(t, tt.wantStrat, decision.Strategy, "confidence %.3f", decision.Confidence)
			assert.Equal(t, tt.task.Resource, decision.Resource)
			assert.NotEmpty(t, decision.Reason)
		})
	}
}

type fakeOutcomeStore struct {
	outcomes []Outcome
	err      error
}

func (f *fakeOutcomeStore) SaveRoutingOutcome(_ context.Context, o Outcome) error {
	f.outcomes = append(f.outcomes, o)
	return f.err
}

func TestRecordRoutingOutcome(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	r := NewUncertaintyRouter(config.DefaultConfig().Router, NewHistory(), m)
	store := &fakeOutcomeStore{}
	r.SetOutcomeStore(store)

	decision := r.Route(context.Background(), Task{Resource: "add", StepConfidence: 0.9})
	require.NoError(t, r.RecordRoutingOutcome(context.Background(), decision, true))

	rate, n := r.History().Rate("add")
	assert.Equal(t, 1, n)
	assert.InDelta(t, 2.0/3.0, rate, 1e-9)
	require.Len(t, store.outcomes, 1)
	assert.True(t, store.outcomes[0].Success)
	assert.Equal(t, models.RouteDirect, store.outcomes[0].Strategy)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoutingDecisions.WithLabelValues("direct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoutingOutcomes.WithLabelValues("direct", "true")))

	store.err = errors.New("disk full")
	err := r.RecordRoutingOutcome(context.Background(), decision, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	_, n = r.History().Rate("add")
	assert.Equal(t, 2, n, "history updated even when persistence fails")
}

func TestHistoryIsNotShared(t *testing.T) {
	a := newTestRouter(nil)
	b := newTestRouter(nil)
	a.History().Record("add", false)

	_, n := b.History().Rate("add")
	assert.Equal(t, 0, n)
}

func TestEstimateComplexity(t *testing.T) {
	simple := models.PlanStep{Action: "add", Parameters: map[string]any{"a": 7.0, "b": 5.0}}
	assert.InDelta(t, 0.1, EstimateComplexity(simple), 1e-9)

	chained := models.PlanStep{Action: "multiply", Parameters: map[string]any{"a": "$ref:sum", "b": 2.0}}
	assert.InDelta(t, 0.2, EstimateComplexity(chained), 1e-9)

	heavy := models.PlanStep{
		Action: "analyze_report",
		Parameters: map[string]any{
			"a": "$ref:x", "b": "$ref:y", "c": "$ref:z", "d": "$ref:w",
			"opts": map[string]any{"deep": true},
		},
	}
	assert.InDelta(t, 0.1+0.3+0.15+0.2+0.2, EstimateComplexity(heavy), 1e-9)

	task := TaskForStep(chained, nil)
	assert.Equal(t, "multiply", task.Resource)
	assert.Nil(t, task.SkillSuccessRate)
}
