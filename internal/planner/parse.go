package planner

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/harrison/taskpilot/internal/llm"
	"github.com/harrison/taskpilot/internal/models"
)

// defaultConfidence is used when a step does not report one.
const defaultConfidence = 0.5

// stepJSON is the wire form of a step in a JSON plan. Alternate field names
// seen from smaller models are accepted.
type stepJSON struct {
	ID                string         `json:"id"`
	Action            string         `json:"action"`
	Tool              string         `json:"tool"`
	Parameters        map[string]any `json:"parameters"`
	Params            map[string]any `json:"params"`
	ExpectedOutputKey string         `json:"expected_output_key"`
	Output            string         `json:"output"`
	Confidence        *float64       `json:"confidence"`
	Required          *bool          `json:"required"`
	ExpectedLatencyMs int            `json:"expected_latency_ms"`
	Skill             string         `json:"skill"`
}

type planJSON struct {
	Steps []stepJSON `json:"steps"`
}

// parseSteps reads plan steps from a generator reply. A JSON object with a
// "steps" array is tried first; otherwise the first markdown ordered list
// whose items look like "action(k=v, ...) -> key [confidence: 0.9]" is used.
// Missing ids, confidences and required flags are left for the caller.
func parseSteps(response string) ([]rawStep, error) {
	var pj planJSON
	if err := llm.ParseJSON(response, &pj); err == nil && len(pj.Steps) > 0 {
		steps := make([]rawStep, 0, len(pj.Steps))
		for _, s := range pj.Steps {
			steps = append(steps, s.toRaw())
		}
		return steps, nil
	}

	steps, err := parseMarkdownList([]byte(response))
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("no steps found in response: %q", llm.Truncate(response, 120))
	}
	return steps, nil
}

// rawStep is a parsed step before defaults are applied.
type rawStep struct {
	step          models.PlanStep
	hasConfidence bool
	hasRequired   bool
}

func (s stepJSON) toRaw() rawStep {
	action := s.Action
	if action == "" {
		action = s.Tool
	}
	params := s.Parameters
	if params == nil {
		params = s.Params
	}
	output := s.ExpectedOutputKey
	if output == "" {
		output = s.Output
	}
	r := rawStep{step: models.PlanStep{
		ID:                strings.TrimSpace(s.ID),
		Action:            strings.TrimSpace(action),
		Parameters:        params,
		ExpectedOutputKey: strings.TrimSpace(output),
		ExpectedLatency:   time.Duration(s.ExpectedLatencyMs) * time.Millisecond,
		SkillName:         s.Skill,
	}}
	if s.Confidence != nil {
		r.step.Confidence = *s.Confidence
		r.hasConfidence = true
	}
	if s.Required != nil {
		r.step.Required = *s.Required
		r.hasRequired = true
	}
	return r
}

var (
	// add(a=7, b=5) -> sum [confidence: 0.9] (optional)
	stepLinePattern = regexp.MustCompile(
		`^\s*([A-Za-z_][\w.-]*)\s*\((.*?)\)\s*(?:(?:->|→)\s*([\w.-]+))?\s*(?:\[\s*confidence\s*:\s*([0-9]*\.?[0-9]+)\s*\])?\s*(\(optional\))?\s*$`)
	numberPattern = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?([eE][-+]?[0-9]+)?$`)
)

// parseMarkdownList walks the markdown AST and parses the items of the first
// ordered list that yields at least one step.
func parseMarkdownList(source []byte) ([]rawStep, error) {
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	var steps []rawStep
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || len(steps) > 0 {
			return ast.WalkContinue, nil
		}
		list, ok := n.(*ast.List)
		if !ok || !list.IsOrdered() {
			return ast.WalkContinue, nil
		}

		var parsed []rawStep
		for item := list.FirstChild(); item != nil; item = item.NextSibling() {
			line := strings.TrimSpace(itemText(item, source))
			m := stepLinePattern.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			params, err := parseArgs(m[2])
			if err != nil {
				return ast.WalkStop, fmt.Errorf("step %q: %w", line, err)
			}
			r := rawStep{step: models.PlanStep{
				Action:            m[1],
				Parameters:        params,
				ExpectedOutputKey: m[3],
			}}
			if m[4] != "" {
				c, err := strconv.ParseFloat(m[4], 64)
				if err == nil {
					r.step.Confidence = c
					r.hasConfidence = true
				}
			}
			if m[5] != "" {
				r.hasRequired = true
			}
			parsed = append(parsed, r)
		}
		if len(parsed) > 0 {
			steps = parsed
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, err
	}
	return steps, nil
}

// itemText returns the raw source of a list item's first text block, so
// markdown emphasis or link syntax inside arguments is preserved.
func itemText(item ast.Node, source []byte) string {
	var buf bytes.Buffer
	for c := item.FirstChild(); c != nil; c = c.NextSibling() {
		if c.Type() != ast.TypeBlock {
			continue
		}
		lines := c.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(bytes.TrimRight(seg.Value(source), "\r\n"))
			buf.WriteByte(' ')
		}
		break
	}
	return buf.String()
}

// parseArgs parses "a=7, b=\"x, y\", c=$ref:sum" into a parameter map.
func parseArgs(s string) (map[string]any, error) {
	params := make(map[string]any)
	for _, part := range splitArgs(s) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			key, value, ok = strings.Cut(part, ":")
		}
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("argument %q is not key=value", part)
		}
		params[key] = parseValue(strings.TrimSpace(value))
	}
	return params, nil
}

// splitArgs splits on commas outside double or single quotes.
func splitArgs(s string) []string {
	var parts []string
	var cur strings.Builder
	var quote rune
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		case r == ',':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(parts, cur.String())
}

func parseValue(v string) any {
	if len(v) >= 2 && (v[0] == '"' && v[len(v)-1] == '"' || v[0] == '\'' && v[len(v)-1] == '\'') {
		return v[1 : len(v)-1]
	}
	switch strings.ToLower(v) {
	case "true":
		return true
	case "false":
		return false
	case "null", "nil":
		return nil
	}
	if numberPattern.MatchString(v) {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return v
}
