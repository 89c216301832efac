package models

import (
	"fmt"
	"strings"
	"time"
)

// RefPrefix marks a parameter value that names another step's output key.
const RefPrefix = "$ref:"

// Plan is an ordered decomposition of a goal into steps.
// A Plan is immutable once returned by the planner; use Clone before editing.
type Plan struct {
	ID        string     // Unique plan identifier
	Goal      string     // Natural-language goal the plan satisfies
	Context   string     // Caller-provided context used during planning
	Steps     []PlanStep // Ordered steps
	CreatedAt time.Time  // When the plan was generated
}

// PlanStep is a single action in a plan.
type PlanStep struct {
	ID                string         // Stable step identifier
	Action            string         // Tool or capability name
	Parameters        map[string]any // Literal values or "$ref:<outputKey>" strings
	ExpectedOutputKey string         // Key under which the step's output is published
	Confidence        float64        // Self-reported certainty in [0,1]
	Required          bool           // Whether plan success depends on this step
	ExpectedLatency   time.Duration  // Latency estimate used for scheduling decisions
	SkillName         string         // Skill this step was instantiated from (optional)
}

// Clone returns a deep copy of the plan.
func (p Plan) Clone() Plan {
	out := p
	out.Steps = make([]PlanStep, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = s.Clone()
	}
	return out
}

// Clone returns a copy of the step with its parameter map duplicated.
func (s PlanStep) Clone() PlanStep {
	out := s
	out.Parameters = CloneParams(s.Parameters)
	return out
}

// StepByID returns the step with the given id.
func (p Plan) StepByID(id string) (PlanStep, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return PlanStep{}, false
}

// Actions returns the action names in plan order.
func (p Plan) Actions() []string {
	actions := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		actions[i] = s.Action
	}
	return actions
}

// References returns the output keys this step depends on, in sorted parameter order.
func (s PlanStep) References() []string {
	var refs []string
	for _, name := range SortedKeys(s.Parameters) {
		refs = append(refs, collectRefs(s.Parameters[name])...)
	}
	return refs
}

func collectRefs(v any) []string {
	switch val := v.(type) {
	case string:
		if key, ok := ParseRef(val); ok {
			return []string{key}
		}
	case []any:
		var refs []string
		for _, item := range val {
			refs = append(refs, collectRefs(item)...)
		}
		return refs
	case map[string]any:
		var refs []string
		for _, k := range SortedKeys(val) {
			refs = append(refs, collectRefs(val[k])...)
		}
		return refs
	}
	return nil
}

// ParseRef reports whether s is a reference and returns the referenced key.
func ParseRef(s string) (string, bool) {
	if !strings.HasPrefix(s, RefPrefix) {
		return "", false
	}
	key := strings.TrimSpace(strings.TrimPrefix(s, RefPrefix))
	if key == "" {
		return "", false
	}
	return key, true
}

// Ref builds a reference string for an output key.
func Ref(key string) string {
	return RefPrefix + key
}

// Validate checks step identity and reference integrity.
func (p Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan has no steps")
	}
	ids := make(map[string]bool, len(p.Steps))
	outputs := make(map[string]string, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("step has empty id")
		}
		if ids[s.ID] {
			return fmt.Errorf("step %s: duplicate step id", s.ID)
		}
		ids[s.ID] = true
		if strings.TrimSpace(s.Action) == "" {
			return fmt.Errorf("step %s: action is required", s.ID)
		}
		if s.Confidence < 0 || s.Confidence > 1 {
			return fmt.Errorf("step %s: confidence %.2f outside [0,1]", s.ID, s.Confidence)
		}
		if s.ExpectedOutputKey != "" {
			if owner, exists := outputs[s.ExpectedOutputKey]; exists {
				return fmt.Errorf("step %s: output key %q already produced by step %s", s.ID, s.ExpectedOutputKey, owner)
			}
			outputs[s.ExpectedOutputKey] = s.ID
		}
	}
	for _, s := range p.Steps {
		for _, ref := range s.References() {
			if _, ok := outputs[ref]; !ok {
				return fmt.Errorf("step %s: references unknown output key %q", s.ID, ref)
			}
		}
	}
	return nil
}
