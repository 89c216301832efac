package verifier

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/harrison/taskpilot/internal/models"
)

// Check names as they appear in VerificationResult.Checks.
const (
	CheckCompletion      = "completion"
	CheckRequiredOutputs = "required_outputs"
	CheckNoErrorMarkers  = "no_error_markers"
	CheckShape           = "shape"
	CheckLLMGrade        = "llm_grade"
	CheckSymbolic        = "symbolic"
)

// Issue severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// errorMarkers are matched case-insensitively against rendered outputs.
var errorMarkers = []string{"error:", "exception", "traceback", "failed"}

// stepView pairs a plan step with its result. A step with no result is
// treated as cancelled.
type stepView struct {
	step   models.PlanStep
	result models.StepResult
}

func viewSteps(plan models.Plan, exec models.ExecutionResult) []stepView {
	views := make([]stepView, len(plan.Steps))
	for i, st := range plan.Steps {
		res, ok := exec.ResultFor(st.ID)
		if !ok {
			res = models.StepResult{StepID: st.ID, Status: models.StatusCancelled, Error: "no result recorded"}
		}
		views[i] = stepView{step: st, result: res}
	}
	return views
}

// deterministicChecks scores the execution without a model. Each score is
// in [0,1]; issues explain every point lost.
func deterministicChecks(plan models.Plan, exec models.ExecutionResult) (map[string]float64, []models.Issue) {
	views := viewSteps(plan, exec)
	var issues []models.Issue

	checks := map[string]float64{
		CheckCompletion:      completion(views, &issues),
		CheckRequiredOutputs: requiredOutputs(views, &issues),
		CheckNoErrorMarkers:  noErrorMarkers(views, &issues),
		CheckShape:           shape(views, &issues),
	}
	return checks, issues
}

func completion(views []stepView, issues *[]models.Issue) float64 {
	if len(views) == 0 {
		return 0
	}
	succeeded := 0
	for _, v := range views {
		if v.result.Succeeded() {
			succeeded++
			continue
		}
		severity := SeverityWarning
		if v.step.Required {
			severity = SeverityCritical
		}
		desc := fmt.Sprintf("step %s (%s) %s", v.step.ID, v.step.Action, strings.ToLower(string(v.result.Status)))
		if v.result.Error != "" {
			desc += ": " + v.result.Error
		}
		*issues = append(*issues, models.Issue{Severity: severity, Description: desc, StepID: v.step.ID})
	}
	return float64(succeeded) / float64(len(views))
}

func requiredOutputs(views []stepView, issues *[]models.Issue) float64 {
	required, produced := 0, 0
	for _, v := range views {
		if !v.step.Required {
			continue
		}
		required++
		if v.result.Output != nil {
			produced++
		} else if v.result.Succeeded() {
			*issues = append(*issues, models.Issue{
				Severity:    SeverityCritical,
				Description: fmt.Sprintf("required step %s produced no output", v.step.ID),
				StepID:      v.step.ID,
			})
		}
	}
	if required == 0 {
		return 1
	}
	return float64(produced) / float64(required)
}

func noErrorMarkers(views []stepView, issues *[]models.Issue) float64 {
	outputs, clean := 0, 0
	for _, v := range views {
		if v.result.Output == nil {
			continue
		}
		outputs++
		marker := findMarker(models.FormatValue(v.result.Output))
		if marker == "" {
			clean++
			continue
		}
		*issues = append(*issues, models.Issue{
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("output of step %s contains error marker %q", v.step.ID, marker),
			StepID:      v.step.ID,
		})
	}
	if outputs == 0 {
		return 1
	}
	return float64(clean) / float64(outputs)
}

func findMarker(s string) string {
	lower := strings.ToLower(s)
	for _, m := range errorMarkers {
		if strings.Contains(lower, m) {
			return m
		}
	}
	return ""
}

func shape(views []stepView, issues *[]models.Issue) float64 {
	if len(views) == 0 {
		return 0
	}
	ok := 0
	for _, v := range views {
		out := v.result.Output
		if isEmpty(out) {
			continue
		}
		if want, matches := matchesSuffix(v.step.ExpectedOutputKey, out); !matches {
			*issues = append(*issues, models.Issue{
				Severity:    SeverityWarning,
				Description: fmt.Sprintf("output %s of step %s should be a %s, got %T", v.step.ExpectedOutputKey, v.step.ID, want, out),
				StepID:      v.step.ID,
			})
			continue
		}
		ok++
	}
	return float64(ok) / float64(len(views))
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// matchesSuffix checks typed output-key suffixes: _count is numeric,
// _list a slice, _text a string and _flag a bool. Keys without a known
// suffix accept any value.
func matchesSuffix(key string, v any) (string, bool) {
	kind := reflect.ValueOf(v).Kind()
	switch {
	case strings.HasSuffix(key, "_count"):
		switch kind {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return "number", true
		}
		return "number", false
	case strings.HasSuffix(key, "_list"):
		return "list", kind == reflect.Slice || kind == reflect.Array
	case strings.HasSuffix(key, "_text"):
		return "string", kind == reflect.String
	case strings.HasSuffix(key, "_flag"):
		return "bool", kind == reflect.Bool
	}
	return "", true
}

func mean(checks map[string]float64, names ...string) float64 {
	if len(names) == 0 {
		return 0
	}
	var sum float64
	for _, n := range names {
		sum += checks[n]
	}
	return sum / float64(len(names))
}
