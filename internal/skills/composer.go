package skills

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/harrison/taskpilot/internal/config"
	"github.com/harrison/taskpilot/internal/models"
)

// Composer chains registered skills into composite skills.
type Composer struct {
	cfg      config.SkillsConfig
	registry *Registry
	now      func() time.Time
}

// NewComposer creates a composer over registry.
func NewComposer(cfg config.SkillsConfig, registry *Registry) *Composer {
	return &Composer{cfg: cfg, registry: registry, now: time.Now}
}

// Compose builds and registers a composite skill running the components in
// order. Every component must exist and have a success rate of at least
// CompositionMinSuccessRate. Step ids, output keys and parameters are
// prefixed with the component name so components cannot collide.
//
// The composite's success rate is the usage-weighted mean of the component
// rates (uniform when no component has been used) times ChainPenalty^(n-1).
func (c *Composer) Compose(ctx context.Context, name, description string, componentNames []string) (models.Skill, error) {
	if strings.TrimSpace(name) == "" {
		return models.Skill{}, &CompositionError{Composite: name, Reason: "name is required"}
	}
	if len(componentNames) == 0 {
		return models.Skill{}, &CompositionError{Composite: name, Reason: "at least one component is required"}
	}
	if _, exists := c.registry.Get(name); exists {
		return models.Skill{}, &CompositionError{Composite: name, Reason: "a skill with this name already exists"}
	}

	seen := make(map[string]bool, len(componentNames))
	components := make([]models.Skill, 0, len(componentNames))
	for _, cn := range componentNames {
		if seen[cn] {
			return models.Skill{}, &CompositionError{Composite: name, Component: cn, Reason: "listed more than once"}
		}
		seen[cn] = true

		skill, ok := c.registry.Get(cn)
		if !ok {
			return models.Skill{}, &CompositionError{Composite: name, Component: cn, Reason: "not registered", Err: ErrSkillNotFound}
		}
		if skill.SuccessRate < c.cfg.CompositionMinSuccessRate {
			return models.Skill{}, &CompositionError{
				Composite: name,
				Component: cn,
				Reason:    fmt.Sprintf("success rate %.2f below %.2f", skill.SuccessRate, c.cfg.CompositionMinSuccessRate),
				Rate:      skill.SuccessRate,
			}
		}
		components = append(components, skill)
	}

	now := c.now()
	composite := models.Skill{
		Name:        name,
		Description: description,
		Defaults:    make(map[string]any),
		Components:  componentNames,
		SuccessRate: c.CompositeRate(components),
		CreatedAt:   now,
		LastUsed:    now,
	}
	for _, comp := range components {
		prefixed := prefixSkill(comp)
		composite.ParameterizedSteps = append(composite.ParameterizedSteps, prefixed.ParameterizedSteps...)
		composite.Parameters = append(composite.Parameters, prefixed.Parameters...)
		for k, v := range prefixed.Defaults {
			composite.Defaults[k] = v
		}
	}

	stored, _, err := c.registry.Register(ctx, composite)
	if err != nil {
		return models.Skill{}, &CompositionError{Composite: name, Reason: "register composite", Err: err}
	}
	return stored, nil
}

// CompositeRate is the chain-penalized, usage-weighted mean success rate.
func (c *Composer) CompositeRate(components []models.Skill) float64 {
	if len(components) == 0 {
		return 0
	}
	var weighted, usage, sum float64
	for _, s := range components {
		weighted += s.SuccessRate * float64(s.UsageCount)
		usage += float64(s.UsageCount)
		sum += s.SuccessRate
	}
	mean := sum / float64(len(components))
	if usage > 0 {
		mean = weighted / usage
	}
	return clamp01(mean * math.Pow(c.cfg.ChainPenalty, float64(len(components)-1)))
}

// prefixSkill namespaces a component's step ids, output keys and parameters.
func prefixSkill(skill models.Skill) models.Skill {
	out := skill.Clone()
	prefix := skill.Name + "."

	outputs := make(map[string]bool)
	for _, st := range skill.ParameterizedSteps {
		if st.ExpectedOutputKey != "" {
			outputs[st.ExpectedOutputKey] = true
		}
	}
	params := make(map[string]bool, len(skill.Parameters))
	for _, p := range skill.Parameters {
		params[p] = true
	}

	for i := range out.ParameterizedSteps {
		st := &out.ParameterizedSteps[i]
		st.ID = prefix + st.ID
		if st.ExpectedOutputKey != "" {
			st.ExpectedOutputKey = prefix + st.ExpectedOutputKey
		}
		for k, v := range st.Parameters {
			st.Parameters[k] = renameValue(v, prefix, outputs, params)
		}
	}

	out.Parameters = make([]string, len(skill.Parameters))
	for i, p := range skill.Parameters {
		out.Parameters[i] = prefix + p
	}
	out.Defaults = make(map[string]any, len(skill.Defaults))
	for k, v := range skill.Defaults {
		out.Defaults[prefix+k] = v
	}
	return out
}

func renameValue(v any, prefix string, outputs, params map[string]bool) any {
	switch val := v.(type) {
	case string:
		if key, ok := models.ParseRef(val); ok {
			if outputs[key] {
				return models.Ref(prefix + key)
			}
			return val
		}
		return placeholderPattern.ReplaceAllStringFunc(val, func(match string) string {
			name := placeholderPattern.FindStringSubmatch(match)[1]
			if !params[name] {
				return match
			}
			return Placeholder(prefix + name)
		})
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = renameValue(item, prefix, outputs, params)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = renameValue(item, prefix, outputs, params)
		}
		return out
	}
	return v
}
