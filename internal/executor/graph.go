package executor

import (
	"fmt"

	"github.com/harrison/taskpilot/internal/models"
)

// DependencyGraph represents the data dependencies between plan steps.
// An edge A -> B exists when B references an output key produced by A.
type DependencyGraph struct {
	Steps    map[string]models.PlanStep
	Order    []string            // step IDs in plan order
	Edges    map[string][]string // producer -> dependents
	Deps     map[string][]string // step -> producers it waits on
	InDegree map[string]int
	Levels   [][]string // Kahn levels; steps within a level keep plan order
}

// BuildGraph analyzes plan and returns its dependency graph with levels computed.
// Unknown references and duplicate output keys fail with ErrInvalidPlan;
// self-references and chained cycles fail with *CycleDetectedError.
func BuildGraph(plan models.Plan) (*DependencyGraph, error) {
	if err := validateSteps(plan.Steps); err != nil {
		return nil, err
	}

	g := &DependencyGraph{
		Steps:    make(map[string]models.PlanStep, len(plan.Steps)),
		Order:    make([]string, 0, len(plan.Steps)),
		Edges:    make(map[string][]string),
		Deps:     make(map[string][]string),
		InDegree: make(map[string]int, len(plan.Steps)),
	}

	producers := make(map[string]string, len(plan.Steps))
	for _, step := range plan.Steps {
		g.Steps[step.ID] = step
		g.Order = append(g.Order, step.ID)
		g.InDegree[step.ID] = 0
		if step.ExpectedOutputKey != "" {
			producers[step.ExpectedOutputKey] = step.ID
		}
	}

	for _, step := range plan.Steps {
		seen := make(map[string]bool)
		for _, ref := range step.References() {
			producer := producers[ref]
			if producer == step.ID {
				return nil, &CycleDetectedError{StepIDs: []string{step.ID}}
			}
			if seen[producer] {
				continue
			}
			seen[producer] = true
			g.Edges[producer] = append(g.Edges[producer], step.ID)
			g.Deps[step.ID] = append(g.Deps[step.ID], producer)
			g.InDegree[step.ID]++
		}
	}

	if cycle := g.FindCycle(); len(cycle) > 0 {
		return nil, &CycleDetectedError{StepIDs: cycle}
	}

	g.Levels = g.computeLevels()
	return g, nil
}

// validateSteps checks identity, output-key uniqueness and reference targets.
func validateSteps(steps []models.PlanStep) error {
	ids := make(map[string]bool, len(steps))
	outputs := make(map[string]string, len(steps))
	for _, step := range steps {
		if step.ID == "" {
			return fmt.Errorf("%w: step has empty id", ErrInvalidPlan)
		}
		if ids[step.ID] {
			return fmt.Errorf("%w: step %s: duplicate step id", ErrInvalidPlan, step.ID)
		}
		ids[step.ID] = true
		if step.ExpectedOutputKey == "" {
			continue
		}
		if owner, exists := outputs[step.ExpectedOutputKey]; exists {
			return fmt.Errorf("%w: step %s: output key %q already produced by step %s", ErrInvalidPlan, step.ID, step.ExpectedOutputKey, owner)
		}
		outputs[step.ExpectedOutputKey] = step.ID
	}

	for _, step := range steps {
		for _, ref := range step.References() {
			if _, ok := outputs[ref]; !ok {
				return fmt.Errorf("%w: step %s references unknown output key %q", ErrInvalidPlan, step.ID, ref)
			}
		}
	}
	return nil
}

// FindCycle returns the steps of one cycle in plan order, or nil.
// Uses DFS with color marking.
func (g *DependencyGraph) FindCycle() []string {
	const (
		white = 0 // not visited
		gray  = 1 // visiting
		black = 2 // visited
	)

	colors := make(map[string]int, len(g.Order))
	var stack []string
	var cycle []string

	var dfs func(string) bool
	dfs = func(node string) bool {
		colors[node] = gray
		stack = append(stack, node)

		for _, next := range g.Edges[node] {
			if colors[next] == gray {
				for i := len(stack) - 1; i >= 0; i-- {
					cycle = append(cycle, stack[i])
					if stack[i] == next {
						break
					}
				}
				return true
			}
			if colors[next] == white && dfs(next) {
				return true
			}
		}

		stack = stack[:len(stack)-1]
		colors[node] = black
		return false
	}

	for _, id := range g.Order {
		if colors[id] == white && dfs(id) {
			return g.inPlanOrder(cycle)
		}
	}
	return nil
}

// computeLevels runs Kahn's algorithm, grouping steps whose dependencies are
// all in earlier levels.
func (g *DependencyGraph) computeLevels() [][]string {
	inDegree := make(map[string]int, len(g.InDegree))
	for k, v := range g.InDegree {
		inDegree[k] = v
	}

	var levels [][]string
	for len(inDegree) > 0 {
		var current []string
		for _, id := range g.Order {
			if degree, pending := inDegree[id]; pending && degree == 0 {
				current = append(current, id)
			}
		}
		if len(current) == 0 {
			// unreachable once FindCycle passed
			break
		}
		for _, id := range current {
			delete(inDegree, id)
			for _, dependent := range g.Edges[id] {
				if _, pending := inDegree[dependent]; pending {
					inDegree[dependent]--
				}
			}
		}
		levels = append(levels, current)
	}
	return levels
}

// Dependents returns every step that transitively depends on id, in plan order.
func (g *DependencyGraph) Dependents(id string) []string {
	visited := make(map[string]bool)
	var walk func(string)
	walk = func(node string) {
		for _, next := range g.Edges[node] {
			if !visited[next] {
				visited[next] = true
				walk(next)
			}
		}
	}
	walk(id)

	var out []string
	for _, sid := range g.Order {
		if visited[sid] {
			out = append(out, sid)
		}
	}
	return out
}

func (g *DependencyGraph) inPlanOrder(ids []string) []string {
	member := make(map[string]bool, len(ids))
	for _, id := range ids {
		member[id] = true
	}
	out := make([]string, 0, len(ids))
	for _, id := range g.Order {
		if member[id] {
			out = append(out, id)
		}
	}
	return out
}
