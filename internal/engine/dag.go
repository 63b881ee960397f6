package engine

import (
	"strings"

	"github.com/rendis/orquesta/pkg/schema"
)

// Graph is the execution-ready representation of a workflow's step list.
// Steps are addressed by index to avoid cyclic object references; Index maps
// stepKey to index, Deps and Dependents hold the reverse and forward edges.
// Built once by BuildGraph; the builder is pure and never touches storage.
type Graph struct {
	Steps      []*schema.StepDefinition // declaration order
	Index      map[string]int           // stepKey -> index
	Deps       [][]int                  // index -> dependency indices
	Dependents [][]int                  // index -> dependent indices
}

// BuildGraph validates the step list and produces the DAG.
// Checks, in order: stepKey uniqueness, dependsOn resolution, acyclicity.
func BuildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	g := &Graph{
		Steps:      make([]*schema.StepDefinition, len(def.Steps)),
		Index:      make(map[string]int, len(def.Steps)),
		Deps:       make([][]int, len(def.Steps)),
		Dependents: make([][]int, len(def.Steps)),
	}

	// First pass: register all steps and check for duplicate keys.
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.StepKey == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty step_key", i)
		}
		if _, exists := g.Index[step.StepKey]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeDuplicateStepKey,
				"duplicate step key: %s", step.StepKey).WithStep(step.StepKey)
		}
		g.Index[step.StepKey] = i
		g.Steps[i] = step
	}

	// Second pass: resolve dependsOn edges.
	for i, step := range g.Steps {
		seen := make(map[string]bool, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			depIdx, exists := g.Index[dep]
			if !exists {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownDependency,
					"step %s depends on unknown step: %s", step.StepKey, dep).WithStep(step.StepKey)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %s has duplicate dependency: %s", step.StepKey, dep).WithStep(step.StepKey)
			}
			seen[dep] = true
			g.Deps[i] = append(g.Deps[i], depIdx)
			g.Dependents[depIdx] = append(g.Dependents[depIdx], i)
		}
	}

	// Third pass: cycle detection via three-color depth-first traversal.
	if cycle := g.findCycle(); cycle != nil {
		keys := make([]string, len(cycle))
		for i, idx := range cycle {
			keys[i] = g.Steps[idx].StepKey
		}
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"workflow contains a dependency cycle: %s", strings.Join(keys, " -> "))
	}

	return g, nil
}

// mark colors for cycle detection.
const (
	white = iota // unvisited
	gray         // on the current DFS path
	black        // fully explored
)

// findCycle returns the indices of a dependency cycle (closed: first ==
// last), or nil when the graph is acyclic. Traversal follows dependency
// edges so the reported path reads in dependsOn direction.
func (g *Graph) findCycle() []int {
	color := make([]int, len(g.Steps))
	var stack []int

	var visit func(i int) []int
	visit = func(i int) []int {
		color[i] = gray
		stack = append(stack, i)
		for _, dep := range g.Deps[i] {
			switch color[dep] {
			case gray:
				// Back edge; slice the stack from dep's position to name the cycle.
				for j, idx := range stack {
					if idx == dep {
						cycle := append([]int{}, stack[j:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return nil
	}

	for i := range g.Steps {
		if color[i] == white {
			if cycle := visit(i); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Step returns the definition for a step key, or nil.
func (g *Graph) Step(key string) *schema.StepDefinition {
	if i, ok := g.Index[key]; ok {
		return g.Steps[i]
	}
	return nil
}

// Roots returns the indices of steps with no dependencies, in declaration order.
func (g *Graph) Roots() []int {
	var roots []int
	for i := range g.Steps {
		if len(g.Deps[i]) == 0 {
			roots = append(roots, i)
		}
	}
	return roots
}

// Descendants returns every step index transitively reachable from idx via
// dependent edges, excluding idx itself. Used to kill a branch when a
// continue-policy step fails.
func (g *Graph) Descendants(idx int) []int {
	seen := make(map[int]bool)
	queue := append([]int{}, g.Dependents[idx]...)
	var out []int
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		queue = append(queue, g.Dependents[n]...)
	}
	return out
}
