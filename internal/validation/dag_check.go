package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/orquesta/pkg/schema"
)

// validateDAG performs graph analysis on the step list:
// cycle detection (Kahn's algorithm) and dead-step reachability (BFS from roots).
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	// Build step key set and adjacency lists.
	stepKeys := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepKeys[s.StepKey] = true
	}

	// edges[key] = dependencies of step key, reverse[key] = dependents of step key.
	edges := make(map[string][]string, len(def.Steps))
	reverse := make(map[string][]string, len(def.Steps))

	for _, s := range def.Steps {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if !stepKeys[dep] || seen[dep] {
				continue // invalid refs already caught by semantic
			}
			seen[dep] = true
			edges[s.StepKey] = append(edges[s.StepKey], dep)
			reverse[dep] = append(reverse[dep], s.StepKey)
		}
	}

	// Kahn's algorithm for cycle detection.
	inDegree := make(map[string]int, len(def.Steps))
	for key := range stepKeys {
		inDegree[key] = len(edges[key])
	}

	queue := make([]string, 0, len(def.Steps))
	for key, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, key)
		}
	}
	// Sort roots for deterministic output.
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(stepKeys) {
		result.AddError("steps", schema.ErrCodeCycleDetected, "workflow contains a dependency cycle")
		return result // cycle makes reachability analysis meaningless
	}

	// Reachability: BFS from root steps (no dependencies) through reverse edges.
	roots := make([]string, 0)
	for key := range stepKeys {
		if len(edges[key]) == 0 {
			roots = append(roots, key)
		}
	}

	reachable := make(map[string]bool, len(stepKeys))
	bfsQueue := make([]string, len(roots))
	copy(bfsQueue, roots)
	for _, r := range roots {
		reachable[r] = true
	}

	for len(bfsQueue) > 0 {
		node := bfsQueue[0]
		bfsQueue = bfsQueue[1:]
		for _, dep := range reverse[node] {
			if !reachable[dep] {
				reachable[dep] = true
				bfsQueue = append(bfsQueue, dep)
			}
		}
	}

	for _, s := range def.Steps {
		if !reachable[s.StepKey] {
			result.AddWarning(fmt.Sprintf("steps[%s]", s.StepKey),
				schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from any root step", s.StepKey))
		}
	}

	return result
}
