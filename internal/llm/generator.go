// Package llm provides the text generation collaborator used by the planner,
// verifier, skill extractor and memory consolidation.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("empty response from model")

// Generator produces text for a prompt. promptContext carries named values
// (goal, hints, retrieved experiences) that implementations render alongside
// the prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, promptContext map[string]string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, promptContext map[string]string) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string, promptContext map[string]string) (string, error) {
	return f(ctx, prompt, promptContext)
}

// GenerateJSON generates a response and unmarshals it into result. When the
// response is not bare JSON, the outermost {...} span is tried.
func GenerateJSON(ctx context.Context, gen Generator, prompt string, promptContext map[string]string, result any) error {
	content, err := gen.Generate(ctx, prompt, promptContext)
	if err != nil {
		return err
	}
	return ParseJSON(content, result)
}

// ParseJSON unmarshals content into result, falling back to ExtractJSON.
func ParseJSON(content string, result any) error {
	if err := json.Unmarshal([]byte(content), result); err != nil {
		if extracted := ExtractJSON(content); extracted != "" {
			if err := json.Unmarshal([]byte(extracted), result); err != nil {
				return fmt.Errorf("failed to unmarshal response: %w (content: %s)", err, Truncate(content, 200))
			}
			return nil
		}
		return fmt.Errorf("failed to unmarshal response: %w (content: %s)", err, Truncate(content, 200))
	}
	return nil
}

// ExtractJSON attempts to extract a JSON object from mixed content.
// It finds the first '{' and last '}' to extract the JSON substring.
// Returns empty string if no valid JSON boundaries found.
func ExtractJSON(content string) string {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return ""
}

// RenderContext formats promptContext as "key: value" lines in key order.
func RenderContext(promptContext map[string]string) string {
	if len(promptContext) == 0 {
		return ""
	}
	keys := make([]string, 0, len(promptContext))
	for k := range promptContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		v := strings.TrimSpace(promptContext[k])
		if v == "" {
			continue
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Truncate returns s cut to maxLen runes with a "..." suffix if needed.
func Truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	n := 0
	for i := range s {
		if n == maxLen {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
