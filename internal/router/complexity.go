package router

import (
	"strings"

	"github.com/harrison/taskpilot/internal/models"
)

// reasoningActions mark tool calls that need judgement rather than computation.
var reasoningActions = []string{"analy", "plan", "research", "decompos", "summar", "reason", "classif", "extract"}

// EstimateComplexity scores a step in [0,1] from its shape: references to
// earlier outputs, parameter count, nested values and the kind of action.
func EstimateComplexity(step models.PlanStep) float64 {
	score := 0.1

	refs := len(step.References())
	score += min(0.3, 0.1*float64(refs))

	if extra := len(step.Parameters) - 2; extra > 0 {
		score += min(0.3, 0.05*float64(extra))
	}

	if hasNested(step.Parameters) {
		score += 0.2
	}

	action := strings.ToLower(step.Action)
	for _, marker := range reasoningActions {
		if strings.Contains(action, marker) {
			score += 0.2
			break
		}
	}

	return clamp01(score)
}

func hasNested(params map[string]any) bool {
	for _, v := range params {
		switch v.(type) {
		case []any, map[string]any:
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
