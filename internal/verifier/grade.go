package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/harrison/taskpilot/internal/llm"
	"github.com/harrison/taskpilot/internal/models"
)

var numberPattern = regexp.MustCompile(`-?[0-9]*\.?[0-9]+`)

type gradeJSON struct {
	Score  *float64     `json:"score"`
	Issues []gradeIssue `json:"issues"`
}

// gradeIssue accepts either a bare string or an issue object.
type gradeIssue models.Issue

func (g *gradeIssue) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*g = gradeIssue{Severity: SeverityWarning, Description: s}
		return nil
	}
	var issue models.Issue
	if err := json.Unmarshal(data, &issue); err != nil {
		return err
	}
	if issue.Severity == "" {
		issue.Severity = SeverityWarning
	}
	*g = gradeIssue(issue)
	return nil
}

// grade asks the generator to score the execution.
func grade(ctx context.Context, gen llm.Generator, plan models.Plan, exec models.ExecutionResult) (float64, []models.Issue, error) {
	response, err := gen.Generate(ctx, buildGradePrompt(plan, exec), map[string]string{
		"task": "verification",
		"goal": plan.Goal,
	})
	if err != nil {
		return 0, nil, err
	}
	return parseGrade(response)
}

// parseGrade reads {"score": 0.9, "issues": [...]} or, failing that, the
// first number in the reply that lies in [0,1].
func parseGrade(response string) (float64, []models.Issue, error) {
	var g gradeJSON
	if err := llm.ParseJSON(response, &g); err == nil && g.Score != nil {
		issues := make([]models.Issue, 0, len(g.Issues))
		for _, i := range g.Issues {
			if strings.TrimSpace(i.Description) != "" {
				issues = append(issues, models.Issue(i))
			}
		}
		return clamp01(*g.Score), issues, nil
	}

	for _, m := range numberPattern.FindAllString(response, -1) {
		f, err := strconv.ParseFloat(m, 64)
		if err == nil && f >= 0 && f <= 1 {
			return f, nil, nil
		}
	}
	return 0, nil, fmt.Errorf("%w: %q", ErrUnparseableGrade, llm.Truncate(response, 120))
}

func buildGradePrompt(plan models.Plan, exec models.ExecutionResult) string {
	var steps strings.Builder
	for _, v := range viewSteps(plan, exec) {
		steps.WriteString(fmt.Sprintf("- %s %s(%s) -> %s: %s",
			v.step.ID, v.step.Action, formatParams(v.step.Parameters), v.step.ExpectedOutputKey, v.result.Status))
		if v.result.Output != nil {
			steps.WriteString(" output=" + llm.Truncate(models.FormatValue(v.result.Output), 200))
		}
		if v.result.Error != "" {
			steps.WriteString(" error=" + llm.Truncate(v.result.Error, 200))
		}
		steps.WriteString("\n")
	}

	return fmt.Sprintf(`Grade how well the following execution achieved its goal.

Goal: %s

Steps:
%s
Final output: %s

Respond with JSON only:
{"score": <number between 0 and 1>, "issues": [{"severity": "critical|warning|info", "description": "...", "step_id": "..."}]}
`, plan.Goal, steps.String(), llm.Truncate(models.FormatValue(exec.FinalOutput), 400))
}

func formatParams(params map[string]any) string {
	parts := make([]string, 0, len(params))
	for _, k := range models.SortedKeys(params) {
		parts = append(parts, k+"="+models.FormatValue(params[k]))
	}
	return strings.Join(parts, ", ")
}

func clamp01(f float64) float64 {
	return max(0, min(1, f))
}
