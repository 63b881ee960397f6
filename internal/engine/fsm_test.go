package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/orquesta/pkg/schema"
)

func TestCanTransitionExecution(t *testing.T) {
	tests := []struct {
		from, to schema.ExecutionStatus
		want     bool
	}{
		{schema.ExecutionStatusPending, schema.ExecutionStatusRunning, true},
		{schema.ExecutionStatusPending, schema.ExecutionStatusCancelled, true},
		{schema.ExecutionStatusPending, schema.ExecutionStatusCompleted, false},
		{schema.ExecutionStatusPending, schema.ExecutionStatusFailed, false},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, true},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusFailed, true},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled, true},
		{schema.ExecutionStatusRunning, schema.ExecutionStatusPending, false},
		{schema.ExecutionStatusCompleted, schema.ExecutionStatusRunning, false},
		{schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled, false},
		{schema.ExecutionStatusCancelled, schema.ExecutionStatusRunning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransitionExecution(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestCanTransitionStep(t *testing.T) {
	tests := []struct {
		from, to schema.StepStatus
		want     bool
	}{
		{schema.StepStatusPending, schema.StepStatusRunning, true},
		{schema.StepStatusPending, schema.StepStatusSkipped, true},
		{schema.StepStatusPending, schema.StepStatusCompleted, false},
		{schema.StepStatusRunning, schema.StepStatusCompleted, true},
		{schema.StepStatusRunning, schema.StepStatusFailed, true},
		{schema.StepStatusRunning, schema.StepStatusRetrying, true},
		{schema.StepStatusRunning, schema.StepStatusSkipped, false},
		{schema.StepStatusRetrying, schema.StepStatusRunning, true},
		{schema.StepStatusRetrying, schema.StepStatusFailed, true},
		{schema.StepStatusRetrying, schema.StepStatusCompleted, false},
		{schema.StepStatusCompleted, schema.StepStatusRunning, false},
		{schema.StepStatusFailed, schema.StepStatusRunning, false},
		{schema.StepStatusSkipped, schema.StepStatusRunning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransitionStep(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, s := range []schema.ExecutionStatus{
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	} {
		assert.Empty(t, ValidExecutionTransitions[s], "execution %s must be terminal", s)
	}
	for _, s := range []schema.StepStatus{
		schema.StepStatusCompleted,
		schema.StepStatusFailed,
		schema.StepStatusSkipped,
	} {
		assert.Empty(t, ValidStepTransitions[s], "step %s must be terminal", s)
	}
}

func TestTransitionExecution_ErrorCode(t *testing.T) {
	err := TransitionExecution("exec-1", schema.ExecutionStatusCompleted, schema.ExecutionStatusRunning)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))

	assert.NoError(t, TransitionExecution("exec-1", schema.ExecutionStatusPending, schema.ExecutionStatusRunning))
}

func TestTransitionStep_ErrorCarriesStepKey(t *testing.T) {
	err := TransitionStep("fetch", schema.StepStatusCompleted, schema.StepStatusRunning)
	oe, ok := err.(*schema.OrquestaError)
	if assert.True(t, ok) {
		assert.Equal(t, "fetch", oe.StepKey)
		assert.Equal(t, schema.ErrCodeInvalidTransition, oe.Code)
	}
}
