package safety

import (
	"github.com/harrison/taskpilot/internal/models"
)

// SandboxStep returns a copy of step with shell metacharacters stripped from
// string parameters and resource hints capped at the configured limits.
// The input step is not modified.
func (g *Guard) SandboxStep(step models.PlanStep) models.PlanStep {
	out := step.Clone()
	if out.Parameters == nil {
		return out
	}

	caps := map[string]int{
		"timeout_ms": g.opts.MaxTimeoutMs,
		"max_tokens": g.opts.MaxTokens,
		"memory_mb":  g.opts.MaxMemoryMB,
	}

	for name, value := range out.Parameters {
		if limit, ok := caps[name]; ok && limit > 0 {
			out.Parameters[name] = capValue(value, limit)
			continue
		}
		out.Parameters[name] = stripValue(value)
	}
	return out
}

func stripValue(value any) any {
	switch v := value.(type) {
	case string:
		if _, isRef := models.ParseRef(v); isRef {
			return v
		}
		return metacharacters.Replace(v)
	case []any:
		for i, item := range v {
			v[i] = stripValue(item)
		}
		return v
	case map[string]any:
		for k, item := range v {
			v[k] = stripValue(item)
		}
		return v
	default:
		return value
	}
}

// capValue clamps a numeric hint to limit, keeping integer types intact.
func capValue(value any, limit int) any {
	switch v := value.(type) {
	case int:
		return min(v, limit)
	case int64:
		return min(v, int64(limit))
	default:
		f, err := models.ToFloat(value)
		if err != nil {
			return value
		}
		if f > float64(limit) {
			return float64(limit)
		}
		return f
	}
}
