package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orquesta/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCELEngine_Evaluate(t *testing.T) {
	e := newCEL(t)
	data := map[string]any{
		"inputs": map[string]any{"count": float64(5), "name": "madrid"},
		"steps": map[string]any{
			"fetch": map[string]any{"output": map[string]any{"status": "ok"}},
		},
	}

	tests := []struct {
		expr string
		want any
	}{
		{`inputs.count > 3.0`, true},
		{`inputs.count > 10.0`, false},
		{`inputs.name == "madrid"`, true},
		{`steps.fetch.output.status == "ok"`, true},
		{`inputs.name + "!"`, "madrid!"},
	}
	for _, tt := range tests {
		got, err := e.Evaluate(context.Background(), tt.expr, data)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, got, tt.expr)
	}
}

func TestCELEngine_EvaluateBool(t *testing.T) {
	e := newCEL(t)
	data := map[string]any{"inputs": map[string]any{"go": true}}

	ok, err := e.EvaluateBool(context.Background(), "inputs.go == true", data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCELEngine_EvaluateBool_NonBoolRejected(t *testing.T) {
	e := newCEL(t)

	_, err := e.EvaluateBool(context.Background(), `"not a bool"`, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestCELEngine_MissingScopeKeysDefaultToEmpty(t *testing.T) {
	e := newCEL(t)

	// No data at all: namespaces resolve to empty maps, membership checks work.
	got, err := e.Evaluate(context.Background(), `"x" in inputs`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, got)
}

func TestCELEngine_CompileError(t *testing.T) {
	e := newCEL(t)

	_, err := e.Evaluate(context.Background(), "inputs.count >", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestCELEngine_EmptyExpression(t *testing.T) {
	e := newCEL(t)

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestCELEngine_MissingFieldIsRuntimeError(t *testing.T) {
	e := newCEL(t)
	data := map[string]any{"inputs": map[string]any{}}

	_, err := e.Evaluate(context.Background(), "inputs.ghost == 1", data)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}

func TestCELEngine_CachesPrograms(t *testing.T) {
	e := newCEL(t)
	data := map[string]any{"inputs": map[string]any{"n": float64(1)}}

	for i := 0; i < 3; i++ {
		got, err := e.Evaluate(context.Background(), "inputs.n == 1.0", data)
		require.NoError(t, err)
		assert.Equal(t, true, got)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}
