package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/harrison/taskpilot/internal/models"
)

// Tool is a capability a plan step can invoke by name.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, input map[string]any) (any, error)
}

// ToolRegistry manages the set of available tools. It is safe for concurrent use.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// NewBuiltinRegistry creates a registry holding the built-in tools.
// corpus seeds the search tool and may be nil.
func NewBuiltinRegistry(corpus []string) *ToolRegistry {
	r := NewToolRegistry()
	r.Register(&arithmeticTool{name: "add", description: "Add two numbers a and b", op: func(a, b float64) (float64, error) { return a + b, nil }})
	r.Register(&arithmeticTool{name: "subtract", description: "Subtract b from a", op: func(a, b float64) (float64, error) { return a - b, nil }})
	r.Register(&arithmeticTool{name: "multiply", description: "Multiply a by b", op: func(a, b float64) (float64, error) { return a * b, nil }})
	r.Register(&arithmeticTool{name: "divide", description: "Divide a by b", op: divide})
	r.Register(concatTool{})
	r.Register(echoTool{})
	r.Register(NewSearchTool(corpus))
	return r
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the tool registered under name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return models.SortedKeys(r.tools)
}

// Describe renders one "name: description" line per tool for planner prompts.
func (r *ToolRegistry) Describe() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	for _, name := range models.SortedKeys(r.tools) {
		sb.WriteString(fmt.Sprintf("- %s: %s\n", name, r.tools[name].Description()))
	}
	return sb.String()
}

type arithmeticTool struct {
	name        string
	description string
	op          func(a, b float64) (float64, error)
}

func (t *arithmeticTool) Name() string        { return t.name }
func (t *arithmeticTool) Description() string { return t.description }

func (t *arithmeticTool) Execute(_ context.Context, input map[string]any) (any, error) {
	a, err := numberParam(input, "a")
	if err != nil {
		return nil, err
	}
	b, err := numberParam(input, "b")
	if err != nil {
		return nil, err
	}
	return t.op(a, b)
}

func divide(a, b float64) (float64, error) {
	if b == 0 {
		return 0, fmt.Errorf("division by zero")
	}
	return a / b, nil
}

func numberParam(input map[string]any, name string) (float64, error) {
	v, ok := input[name]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", name)
	}
	f, err := models.ToFloat(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %q: %w", name, err)
	}
	return f, nil
}

// concatTool joins "values" (or a and b) with an optional separator.
type concatTool struct{}

func (concatTool) Name() string        { return "concat" }
func (concatTool) Description() string { return "Join values (or a and b) into one string with an optional sep" }

func (concatTool) Execute(_ context.Context, input map[string]any) (any, error) {
	sep, _ := input["sep"].(string)

	var parts []string
	if values, ok := input["values"].([]any); ok {
		for _, v := range values {
			parts = append(parts, models.FormatValue(v))
		}
	} else {
		for _, key := range []string{"a", "b"} {
			if v, ok := input[key]; ok {
				parts = append(parts, models.FormatValue(v))
			}
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("concat needs values or a/b parameters")
	}
	return strings.Join(parts, sep), nil
}

// echoTool returns its "text" (or "value") parameter unchanged.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Return the text parameter unchanged" }

func (echoTool) Execute(_ context.Context, input map[string]any) (any, error) {
	if v, ok := input["text"]; ok {
		return v, nil
	}
	if v, ok := input["value"]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("missing parameter %q", "text")
}

// SearchTool ranks an in-memory corpus by query term overlap.
type SearchTool struct {
	mu     sync.RWMutex
	corpus []string
}

// NewSearchTool creates a search tool over corpus.
func NewSearchTool(corpus []string) *SearchTool {
	return &SearchTool{corpus: append([]string(nil), corpus...)}
}

// Name returns the tool name.
func (s *SearchTool) Name() string { return "search" }

// Description returns the tool description.
func (s *SearchTool) Description() string {
	return "Search the local document corpus; parameters query and optional top_k"
}

// AddDocument appends a document to the corpus.
func (s *SearchTool) AddDocument(doc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corpus = append(s.corpus, doc)
}

// Execute returns the matching documents, best first.
func (s *SearchTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	query, _ := input["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("missing parameter %q", "query")
	}
	topK := 3
	if v, ok := input["top_k"]; ok {
		f, err := models.ToFloat(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", "top_k", err)
		}
		topK = int(f)
	}

	terms := strings.Fields(strings.ToLower(query))

	s.mu.RLock()
	defer s.mu.RUnlock()

	type hit struct {
		doc   string
		score int
	}
	var hits []hit
	for _, doc := range s.corpus {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lower := strings.ToLower(doc)
		score := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, hit{doc: doc, score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })

	results := make([]any, 0, topK)
	for i := 0; i < len(hits) && i < topK; i++ {
		results = append(results, hits[i].doc)
	}
	return results, nil
}
