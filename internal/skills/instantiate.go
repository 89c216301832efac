package skills

import (
	"fmt"
	"regexp"

	"github.com/harrison/taskpilot/internal/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Placeholder returns the template form of a parameter name.
func Placeholder(name string) string {
	return "{{" + name + "}}"
}

// Instantiate substitutes placeholders in the skill's steps with args,
// falling back to the skill's defaults. A value that is exactly one
// placeholder takes the argument's type; placeholders embedded in longer
// strings are replaced textually. Steps are tagged with the skill name.
func Instantiate(skill models.Skill, args map[string]any) ([]models.PlanStep, error) {
	values := make(map[string]any, len(skill.Parameters))
	for _, name := range skill.Parameters {
		if v, ok := args[name]; ok {
			values[name] = v
		} else if v, ok := skill.Defaults[name]; ok {
			values[name] = v
		}
	}

	steps := make([]models.PlanStep, len(skill.ParameterizedSteps))
	for i, step := range skill.ParameterizedSteps {
		st := step.Clone()
		st.SkillName = skill.Name
		for _, key := range models.SortedKeys(st.Parameters) {
			v, err := substitute(st.Parameters[key], values)
			if err != nil {
				return nil, fmt.Errorf("skill %s step %s parameter %s: %w", skill.Name, st.ID, key, err)
			}
			st.Parameters[key] = v
		}
		steps[i] = st
	}
	return steps, nil
}

func substitute(v any, values map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if m := placeholderPattern.FindStringSubmatch(val); m != nil && m[0] == val {
			arg, ok := values[m[1]]
			if !ok {
				return nil, fmt.Errorf("no value for %s", m[1])
			}
			return arg, nil
		}
		var missing string
		out := placeholderPattern.ReplaceAllStringFunc(val, func(match string) string {
			name := placeholderPattern.FindStringSubmatch(match)[1]
			arg, ok := values[name]
			if !ok {
				missing = name
				return match
			}
			return models.FormatValue(arg)
		})
		if missing != "" {
			return nil, fmt.Errorf("no value for %s", missing)
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			s, err := substitute(item, values)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			s, err := substitute(item, values)
			if err != nil {
				return nil, err
			}
			out[k] = s
		}
		return out, nil
	}
	return v, nil
}
