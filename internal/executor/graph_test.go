package executor

import (
	"errors"
	"reflect"
	"testing"

	"github.com/harrison/taskpilot/internal/models"
)

func step(id, action, output string, params map[string]any) models.PlanStep {
	return models.PlanStep{ID: id, Action: action, ExpectedOutputKey: output, Parameters: params, Confidence: 0.9, Required: true}
}

func TestBuildGraph(t *testing.T) {
	tests := []struct {
		name       string
		steps      []models.PlanStep
		wantLevels [][]string
		wantDeps   map[string][]string
	}{
		{
			name: "linear chain",
			steps: []models.PlanStep{
				step("step1", "add", "sum", map[string]any{"a": 7.0, "b": 5.0}),
				step("step2", "multiply", "result", map[string]any{"a": "$ref:sum", "b": 2.0}),
			},
			wantLevels: [][]string{{"step1"}, {"step2"}},
			wantDeps:   map[string][]string{"step2": {"step1"}},
		},
		{
			name: "independent steps share a level in plan order",
			steps: []models.PlanStep{
				step("c", "echo", "x", map[string]any{"text": "c"}),
				step("a", "echo", "y", map[string]any{"text": "a"}),
				step("b", "echo", "z", map[string]any{"text": "b"}),
			},
			wantLevels: [][]string{{"c", "a", "b"}},
			wantDeps:   map[string][]string{},
		},
		{
			name: "diamond",
			steps: []models.PlanStep{
				step("s1", "echo", "root", map[string]any{"text": "r"}),
				step("s2", "concat", "left", map[string]any{"a": "$ref:root", "b": "l"}),
				step("s3", "concat", "right", map[string]any{"a": "$ref:root", "b": "r"}),
				step("s4", "concat", "joined", map[string]any{"values": []any{"$ref:left", "$ref:right", "$ref:left"}}),
			},
			wantLevels: [][]string{{"s1"}, {"s2", "s3"}, {"s4"}},
			wantDeps: map[string][]string{
				"s2": {"s1"},
				"s3": {"s1"},
				"s4": {"s2", "s3"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := BuildGraph(models.Plan{Steps: tt.steps})
			if err != nil {
				t.Fatalf("BuildGraph() error = %v", err)
			}
			if !reflect.DeepEqual(g.Levels, tt.wantLevels) {
				t.Errorf("Levels = %v, want %v", g.Levels, tt.wantLevels)
			}
			for id, want := range tt.wantDeps {
				if !reflect.DeepEqual(g.Deps[id], want) {
					t.Errorf("Deps[%s] = %v, want %v", id, g.Deps[id], want)
				}
			}
			if cycle := g.FindCycle(); cycle != nil {
				t.Errorf("FindCycle() = %v for acyclic plan", cycle)
			}
		})
	}
}

func TestBuildGraphValidation(t *testing.T) {
	tests := []struct {
		name  string
		steps []models.PlanStep
	}{
		{
			name:  "empty step id",
			steps: []models.PlanStep{step("", "add", "sum", nil)},
		},
		{
			name: "duplicate step id",
			steps: []models.PlanStep{
				step("s1", "add", "a", nil),
				step("s1", "add", "b", nil),
			},
		},
		{
			name: "duplicate output key",
			steps: []models.PlanStep{
				step("s1", "add", "sum", nil),
				step("s2", "add", "sum", nil),
			},
		},
		{
			name: "unknown reference",
			steps: []models.PlanStep{
				step("s1", "multiply", "result", map[string]any{"a": "$ref:missing"}),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGraph(models.Plan{Steps: tt.steps})
			if err == nil {
				t.Fatal("BuildGraph() expected error, got nil")
			}
			if !errors.Is(err, ErrInvalidPlan) {
				t.Errorf("error %v should wrap ErrInvalidPlan", err)
			}
			if IsCycleError(err) {
				t.Errorf("validation error %v should not be a cycle error", err)
			}
		})
	}
}

func TestBuildGraphCycles(t *testing.T) {
	tests := []struct {
		name  string
		steps []models.PlanStep
		want  []string
	}{
		{
			name: "self reference",
			steps: []models.PlanStep{
				step("s1", "add", "sum", map[string]any{"a": "$ref:sum", "b": 1.0}),
			},
			want: []string{"s1"},
		},
		{
			name: "two step cycle",
			steps: []models.PlanStep{
				step("s1", "add", "x", map[string]any{"a": "$ref:y"}),
				step("s2", "add", "y", map[string]any{"a": "$ref:x"}),
			},
			want: []string{"s1", "s2"},
		},
		{
			name: "cycle behind a valid prefix",
			steps: []models.PlanStep{
				step("s0", "echo", "seed", map[string]any{"text": "go"}),
				step("s1", "concat", "x", map[string]any{"a": "$ref:seed", "b": "$ref:z"}),
				step("s2", "concat", "y", map[string]any{"a": "$ref:x"}),
				step("s3", "concat", "z", map[string]any{"a": "$ref:y"}),
			},
			want: []string{"s1", "s2", "s3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildGraph(models.Plan{Steps: tt.steps})
			var cycleErr *CycleDetectedError
			if !errors.As(err, &cycleErr) {
				t.Fatalf("expected *CycleDetectedError, got %v", err)
			}
			if !reflect.DeepEqual(cycleErr.StepIDs, tt.want) {
				t.Errorf("StepIDs = %v, want %v", cycleErr.StepIDs, tt.want)
			}
		})
	}
}

func TestDependents(t *testing.T) {
	g, err := BuildGraph(models.Plan{Steps: []models.PlanStep{
		step("s1", "echo", "root", map[string]any{"text": "r"}),
		step("s2", "concat", "mid", map[string]any{"a": "$ref:root"}),
		step("s3", "echo", "other", map[string]any{"text": "o"}),
		step("s4", "concat", "leaf", map[string]any{"a": "$ref:mid"}),
	}})
	if err != nil {
		t.Fatalf("BuildGraph() error = %v", err)
	}

	if got := g.Dependents("s1"); !reflect.DeepEqual(got, []string{"s2", "s4"}) {
		t.Errorf("Dependents(s1) = %v, want [s2 s4]", got)
	}
	if got := g.Dependents("s3"); len(got) != 0 {
		t.Errorf("Dependents(s3) = %v, want none", got)
	}
}
