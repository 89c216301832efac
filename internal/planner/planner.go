// Package planner turns a natural-language goal into a validated plan using
// a text generator, hinted by similar past experiences and matching skills.
package planner

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/taskpilot/internal/llm"
	"github.com/harrison/taskpilot/internal/models"
	"github.com/harrison/taskpilot/internal/skills"
)

// skillBoostWeight scales a matched skill's success rate into a confidence boost.
const skillBoostWeight = 0.2

// ExperienceSource retrieves past experiences similar to a goal.
type ExperienceSource interface {
	SimilarExperiences(ctx context.Context, query string, topK int, minSimilarity float64) ([]models.Experience, error)
}

// SkillSource finds skills matching a goal.
type SkillSource interface {
	FindMatchingSkills(ctx context.Context, goal string, topK int) ([]skills.Match, error)
}

// Logger is the logging surface the planner needs.
type Logger interface {
	LogInfo(message string)
	LogWarn(message string)
}

// Options configures a GoalPlanner. Only Generator is required.
type Options struct {
	Generator llm.Generator
	Memory    ExperienceSource
	Skills    SkillSource
	Tools     []string // Tool names offered to the generator
	Logger    Logger

	ExperienceTopK int
	MinSimilarity  float64
	SkillTopK      int

	Now func() time.Time
}

// GoalPlanner decomposes goals into plans.
type GoalPlanner struct {
	opts Options
	now  func() time.Time
}

// NewGoalPlanner creates a planner.
func NewGoalPlanner(opts Options) *GoalPlanner {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &GoalPlanner{opts: opts, now: now}
}

// Plan generates a plan for goal. planContext is free text from the caller,
// such as the revision hint from a failed verification.
func (p *GoalPlanner) Plan(ctx context.Context, goal, planContext string) (models.Plan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return models.Plan{}, &PlanningError{Kind: KindUnparseable, Goal: goal, Err: fmt.Errorf("goal is empty")}
	}
	if p.opts.Generator == nil {
		return models.Plan{}, &PlanningError{Kind: KindUnavailable, Goal: goal, Err: fmt.Errorf("no generator configured")}
	}

	experiences := p.similarExperiences(ctx, goal)
	matches := p.matchingSkills(ctx, goal)

	prompt := buildPlanPrompt(goal, planContext, p.opts.Tools, experiences, matches)
	response, err := p.opts.Generator.Generate(ctx, prompt, map[string]string{
		"task":    "plan decomposition",
		"goal":    goal,
		"context": planContext,
	})
	if err != nil {
		return models.Plan{}, &PlanningError{Kind: KindUnavailable, Goal: goal, Err: err}
	}

	raw, err := parseSteps(response)
	if err != nil {
		return models.Plan{}, &PlanningError{Kind: KindUnparseable, Goal: goal, Err: err}
	}

	plan := models.Plan{
		ID:        uuid.NewString(),
		Goal:      goal,
		Context:   planContext,
		Steps:     normalizeSteps(raw),
		CreatedAt: p.now(),
	}
	applySkillBoost(plan.Steps, matches)

	if err := plan.Validate(); err != nil {
		return models.Plan{}, &PlanningError{Kind: KindUnparseable, Goal: goal, Err: err}
	}

	p.logInfo(fmt.Sprintf("planned %q: %d steps (%d experiences, %d skills as hints)",
		goal, len(plan.Steps), len(experiences), len(matches)))
	return plan, nil
}

func (p *GoalPlanner) similarExperiences(ctx context.Context, goal string) []models.Experience {
	if p.opts.Memory == nil || p.opts.ExperienceTopK <= 0 {
		return nil
	}
	exps, err := p.opts.Memory.SimilarExperiences(ctx, goal, p.opts.ExperienceTopK, p.opts.MinSimilarity)
	if err != nil {
		p.logWarn(fmt.Sprintf("experience retrieval failed, planning without it: %v", err))
		return nil
	}
	return exps
}

func (p *GoalPlanner) matchingSkills(ctx context.Context, goal string) []skills.Match {
	if p.opts.Skills == nil || p.opts.SkillTopK <= 0 {
		return nil
	}
	matches, err := p.opts.Skills.FindMatchingSkills(ctx, goal, p.opts.SkillTopK)
	if err != nil {
		p.logWarn(fmt.Sprintf("skill matching failed, planning without it: %v", err))
		return nil
	}
	return matches
}

func (p *GoalPlanner) logInfo(msg string) {
	if p.opts.Logger != nil {
		p.opts.Logger.LogInfo(msg)
	}
}

func (p *GoalPlanner) logWarn(msg string) {
	if p.opts.Logger != nil {
		p.opts.Logger.LogWarn(msg)
	}
}

// normalizeSteps applies defaults: ids step1..N where missing, confidence
// 0.5 where unreported (clamped to [0,1] otherwise), and Required true
// unless the step said otherwise.
func normalizeSteps(raw []rawStep) []models.PlanStep {
	steps := make([]models.PlanStep, len(raw))
	for i, r := range raw {
		st := r.step
		if st.ID == "" {
			st.ID = fmt.Sprintf("step%d", i+1)
		}
		if !r.hasConfidence {
			st.Confidence = defaultConfidence
		}
		st.Confidence = math.Max(0, math.Min(1, st.Confidence))
		if !r.hasRequired {
			st.Required = true
		}
		if st.Parameters == nil {
			st.Parameters = map[string]any{}
		}
		steps[i] = st
	}
	return steps
}

// applySkillBoost raises the confidence of steps whose action appears in a
// matched skill to min(1, c + 0.2*successRate), using the best such skill,
// and attributes the step to that skill.
func applySkillBoost(steps []models.PlanStep, matches []skills.Match) {
	for i := range steps {
		var best *models.Skill
		for j := range matches {
			s := &matches[j].Skill
			if !containsAction(*s, steps[i].Action) {
				continue
			}
			if best == nil || s.SuccessRate > best.SuccessRate {
				best = s
			}
		}
		if best == nil {
			continue
		}
		steps[i].Confidence = math.Min(1, steps[i].Confidence+skillBoostWeight*best.SuccessRate)
		if steps[i].SkillName == "" {
			steps[i].SkillName = best.Name
		}
	}
}

func containsAction(skill models.Skill, action string) bool {
	for _, a := range skill.Actions() {
		if a == action {
			return true
		}
	}
	return false
}

func buildPlanPrompt(goal, planContext string, tools []string, experiences []models.Experience, matches []skills.Match) string {
	var sb strings.Builder

	sb.WriteString("You are a planning assistant. Decompose the goal into an ordered list of tool calls.\n\n")
	sb.WriteString(fmt.Sprintf("## Goal\n%s\n\n", goal))
	if strings.TrimSpace(planContext) != "" {
		sb.WriteString(fmt.Sprintf("## Context\n%s\n\n", planContext))
	}
	if len(tools) > 0 {
		sb.WriteString("## Available tools\n")
		for _, t := range tools {
			sb.WriteString("- " + t + "\n")
		}
		sb.WriteString("\n")
	}

	if len(experiences) > 0 {
		sb.WriteString("## Similar past experiences\n")
		for _, e := range experiences {
			outcome := "failed"
			if e.Succeeded() {
				outcome = "succeeded"
			}
			sb.WriteString(fmt.Sprintf("- %s: %s (%s, quality %.2f)\n",
				e.Plan.Goal, strings.Join(e.Plan.Actions(), " -> "), outcome, e.Verification.QualityScore))
		}
		sb.WriteString("\n")
	}

	if len(matches) > 0 {
		sb.WriteString("## Known skills\n")
		for _, m := range matches {
			sb.WriteString(fmt.Sprintf("### %s (success rate %.2f)\n", m.Skill.Name, m.Skill.SuccessRate))
			if m.Skill.Description != "" {
				sb.WriteString(m.Skill.Description + "\n")
			}
			steps, err := skills.Instantiate(m.Skill, nil)
			if err != nil {
				steps = m.Skill.ParameterizedSteps
			}
			for i, st := range steps {
				sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, formatStep(st)))
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Response format\n")
	sb.WriteString("Respond with JSON only:\n")
	sb.WriteString(`{"steps": [{"id": "step1", "action": "add", "parameters": {"a": 7, "b": 5}, "expected_output_key": "sum", "confidence": 0.9}, `)
	sb.WriteString(`{"id": "step2", "action": "multiply", "parameters": {"a": "$ref:sum", "b": 2}, "expected_output_key": "product", "confidence": 0.9}]}`)
	sb.WriteString("\n\nUse \"$ref:<key>\" to pass an earlier step's output. Confidence is your certainty in [0,1].\n")
	return sb.String()
}

// formatStep renders a step in the markdown list form the parser accepts.
func formatStep(st models.PlanStep) string {
	args := make([]string, 0, len(st.Parameters))
	for _, k := range models.SortedKeys(st.Parameters) {
		v := st.Parameters[k]
		if s, ok := v.(string); ok {
			if _, isRef := models.ParseRef(s); !isRef {
				v = fmt.Sprintf("%q", s)
			}
		}
		args = append(args, fmt.Sprintf("%s=%s", k, models.FormatValue(v)))
	}
	line := fmt.Sprintf("%s(%s)", st.Action, strings.Join(args, ", "))
	if st.ExpectedOutputKey != "" {
		line += " -> " + st.ExpectedOutputKey
	}
	if st.Confidence > 0 {
		line += fmt.Sprintf(" [confidence: %.2f]", st.Confidence)
	}
	if !st.Required {
		line += " (optional)"
	}
	return line
}
