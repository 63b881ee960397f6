package engine

import (
	"github.com/rendis/orquesta/pkg/schema"
)

// Transition tables for execution and step lifecycles. Transitions are
// monotonic: terminal states have no outgoing edges, so a terminal record
// can never be mutated back into flight.

// ValidExecutionTransitions defines the allowed execution state transitions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

// ValidStepTransitions defines the allowed step state transitions.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusRetrying},
	schema.StepStatusRetrying:  {schema.StepStatusRunning, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// CanTransitionExecution reports whether from -> to is a legal execution transition.
func CanTransitionExecution(from, to schema.ExecutionStatus) bool {
	for _, allowed := range ValidExecutionTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanTransitionStep reports whether from -> to is a legal step transition.
func CanTransitionStep(from, to schema.StepStatus) bool {
	for _, allowed := range ValidStepTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionExecution validates an execution transition, returning an
// INVALID_TRANSITION error when the edge is not in the table.
func TransitionExecution(executionID string, from, to schema.ExecutionStatus) error {
	if !CanTransitionExecution(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	return nil
}

// TransitionStep validates a step transition, returning an
// INVALID_TRANSITION error when the edge is not in the table.
func TransitionStep(stepKey string, from, to schema.StepStatus) error {
	if !CanTransitionStep(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepKey).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	return nil
}
