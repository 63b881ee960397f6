package expressions

import (
	"sync"

	"github.com/rendis/orquesta/pkg/schema"
)

// ScopeBuilder constructs InterpolationScopes with proper variable isolation.
// It enforces:
//   - Step outputs are immutable after completion (frozen on insert).
//   - Append-only: new step outputs are added as steps finish.
//   - Inputs and execution metadata are immutable after init.
type ScopeBuilder struct {
	mu        sync.RWMutex
	steps     map[string]any // step key -> frozen output (deep-copied on insert)
	inputs    map[string]any // execution input data (immutable after init)
	execution map[string]any // execution metadata (immutable after init)
}

// NewScopeBuilder creates a ScopeBuilder initialized with execution-level data.
// inputs and execution are deep-copied to prevent external mutation.
func NewScopeBuilder(inputs, execution map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		steps:     make(map[string]any),
		inputs:    deepCopyMap(inputs),
		execution: deepCopyMap(execution),
	}
}

// AddStepOutput registers a completed step's output. The output is frozen
// (deep-copied) at the time of insertion. Subsequent calls with the same
// stepKey are rejected -- step outputs are immutable after completion.
func (sb *ScopeBuilder) AddStepOutput(stepKey string, output schema.Value) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.steps[stepKey]; exists {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"step %q output already registered; step outputs are immutable after completion", stepKey)
	}

	// Unwrap produces fresh maps and slices, so the stored value is frozen.
	sb.steps[stepKey] = output.Unwrap()
	return nil
}

// Build creates an InterpolationScope snapshot. The returned scope is safe
// for concurrent use (step outputs are copied).
func (sb *ScopeBuilder) Build() *InterpolationScope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &InterpolationScope{
		Steps:     deepCopyMap(sb.steps),
		Inputs:    sb.inputs,    // already frozen at init
		Execution: sb.execution, // already frozen at init
	}
}

// StepOutputs returns a read-only copy of the current step outputs.
func (sb *ScopeBuilder) StepOutputs() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return deepCopyMap(sb.steps)
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
