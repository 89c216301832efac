package models

import "time"

// Skill is a parameterized, reusable plan fragment with a tracked success rate.
type Skill struct {
	Name               string         `json:"name"`
	Description        string         `json:"description"`
	ParameterizedSteps []PlanStep     `json:"parameterized_steps"`
	Parameters         []string       `json:"parameters"`           // Placeholder names in order of appearance
	Defaults           map[string]any `json:"defaults,omitempty"`   // Literal values the placeholders replaced
	Components         []string       `json:"components,omitempty"` // Component skill names for composites
	SuccessRate        float64        `json:"success_rate"`
	UsageCount         int            `json:"usage_count"`
	CreatedAt          time.Time      `json:"created_at"`
	LastUsed           time.Time      `json:"last_used"`
}

// IsComposite reports whether the skill was built from other skills.
func (s Skill) IsComposite() bool {
	return len(s.Components) > 0
}

// Clone returns a deep copy of the skill.
func (s Skill) Clone() Skill {
	out := s
	out.ParameterizedSteps = make([]PlanStep, len(s.ParameterizedSteps))
	for i, st := range s.ParameterizedSteps {
		out.ParameterizedSteps[i] = st.Clone()
	}
	out.Parameters = append([]string(nil), s.Parameters...)
	out.Components = append([]string(nil), s.Components...)
	out.Defaults = CloneParams(s.Defaults)
	return out
}

// Actions returns the distinct actions used by the skill's steps.
func (s Skill) Actions() []string {
	seen := make(map[string]bool)
	var actions []string
	for _, st := range s.ParameterizedSteps {
		if !seen[st.Action] {
			seen[st.Action] = true
			actions = append(actions, st.Action)
		}
	}
	return actions
}
