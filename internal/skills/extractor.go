package skills

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/harrison/taskpilot/internal/config"
	"github.com/harrison/taskpilot/internal/llm"
	"github.com/harrison/taskpilot/internal/models"
)

// Extractor turns verified, high-quality executions into skills.
type Extractor struct {
	cfg    config.SkillsConfig
	gen    llm.Generator
	logger Logger
	now    func() time.Time
}

// NewExtractor creates an extractor. gen may be nil, in which case names and
// descriptions are derived from the plan.
func NewExtractor(cfg config.SkillsConfig, gen llm.Generator, logger Logger) *Extractor {
	return &Extractor{cfg: cfg, gen: gen, logger: logger, now: time.Now}
}

// Eligible reports whether an execution qualifies for extraction.
func (x *Extractor) Eligible(plan models.Plan, verification models.VerificationResult) bool {
	n := len(plan.Steps)
	return verification.Verified &&
		verification.QualityScore >= x.cfg.SkillExtractionThreshold &&
		n >= x.cfg.MinStepsForExtraction &&
		n <= x.cfg.MaxStepsPerSkill
}

// Extract builds a skill from plan. Literal parameter values become
// {{param_N}} placeholders numbered in plan order with the literal kept as
// the default; references to other steps' outputs are kept as they are.
// It reports false when the execution does not qualify.
func (x *Extractor) Extract(ctx context.Context, plan models.Plan, execution models.ExecutionResult, verification models.VerificationResult) (models.Skill, bool) {
	if !execution.Success || !x.Eligible(plan, verification) {
		return models.Skill{}, false
	}

	p := &parameterizer{defaults: make(map[string]any)}
	steps := make([]models.PlanStep, len(plan.Steps))
	for i, step := range plan.Steps {
		st := step.Clone()
		st.SkillName = ""
		for _, key := range models.SortedKeys(st.Parameters) {
			st.Parameters[key] = p.parameterize(st.Parameters[key])
		}
		steps[i] = st
	}

	now := x.now()
	skill := models.Skill{
		ParameterizedSteps: steps,
		Parameters:         p.names,
		Defaults:           p.defaults,
		SuccessRate:        clamp01(verification.QualityScore),
		CreatedAt:          now,
		LastUsed:           now,
	}
	skill.Name, skill.Description = x.describe(ctx, plan)
	return skill, true
}

// describe asks the generator for a name and description, falling back to
// names derived from the plan's actions.
func (x *Extractor) describe(ctx context.Context, plan models.Plan) (string, string) {
	name := FallbackName(plan.Actions())
	desc := fmt.Sprintf("%s (%s)", plan.Goal, strings.Join(distinct(plan.Actions()), ", "))
	if x.gen == nil {
		return name, desc
	}

	var reply struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	err := llm.GenerateJSON(ctx, x.gen, buildDescribePrompt(plan), map[string]string{"task": "skill naming"}, &reply)
	if err != nil {
		if x.logger != nil {
			x.logger.LogWarn(fmt.Sprintf("skill naming fell back to %s: %v", name, err))
		}
		return name, desc
	}
	if n := SanitizeName(reply.Name); n != "" {
		name = n
	}
	if d := strings.TrimSpace(reply.Description); d != "" {
		desc = d
	}
	return name, desc
}

func buildDescribePrompt(plan models.Plan) string {
	var b strings.Builder
	b.WriteString("Name this reusable procedure. It was extracted from a successful plan.\n\n")
	b.WriteString(fmt.Sprintf("Goal: %s\nSteps:\n", plan.Goal))
	for _, s := range plan.Steps {
		b.WriteString(fmt.Sprintf("- %s", s.Action))
		if s.ExpectedOutputKey != "" {
			b.WriteString(" -> " + s.ExpectedOutputKey)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nRespond with JSON only: {\"name\": \"snake_case_name\", \"description\": \"one sentence\"}")
	return b.String()
}

// FallbackName derives a skill name from actions: skill_add_multiply.
func FallbackName(actions []string) string {
	parts := []string{"skill"}
	for _, a := range distinct(actions) {
		if s := SanitizeName(a); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "_")
}

// SanitizeName lowercases name and collapses anything that is not a letter
// or digit into single underscores.
func SanitizeName(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func distinct(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// parameterizer replaces literal leaves with numbered placeholders.
type parameterizer struct {
	names    []string
	defaults map[string]any
}

func (p *parameterizer) parameterize(v any) any {
	switch val := v.(type) {
	case string:
		if _, ok := models.ParseRef(val); ok {
			return val
		}
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = p.parameterize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for _, k := range models.SortedKeys(val) {
			out[k] = p.parameterize(val[k])
		}
		return out
	case nil:
		return nil
	}

	name := fmt.Sprintf("param_%d", len(p.names)+1)
	p.names = append(p.names, name)
	p.defaults[name] = v
	return Placeholder(name)
}
