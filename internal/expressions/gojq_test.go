package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orquesta/pkg/schema"
)

func TestGoJQEngine_FieldAccess(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"meta": map[string]any{"source": "api"}}

	got, err := e.Evaluate(context.Background(), ".meta.source", data)
	require.NoError(t, err)
	assert.Equal(t, "api", got)
}

func TestGoJQEngine_Pipeline(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"items": []any{"a", "b", "c"}}

	got, err := e.Evaluate(context.Background(), ".items | length", data)
	require.NoError(t, err)
	assert.Equal(t, 3, got)
}

func TestGoJQEngine_MapOverArray(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"rows": []any{
			map[string]any{"id": float64(1)},
			map[string]any{"id": float64(2)},
		},
	}

	got, err := e.Evaluate(context.Background(), "[.rows[].id]", data)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, got)
}

func TestGoJQEngine_MultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"items": []any{"x", "y"}}

	got, err := e.Evaluate(context.Background(), ".items[]", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, got)
}

func TestGoJQEngine_NoOutputIsNil(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"items": []any{}}

	got, err := e.Evaluate(context.Background(), ".items[]", data)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGoJQEngine_IntInputsWidened(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"n": 7, "big": int64(9)}

	got, err := e.Evaluate(context.Background(), ".n + .big", data)
	require.NoError(t, err)
	assert.Equal(t, float64(16), got)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".items | |", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestGoJQEngine_RuntimeError(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"n": float64(1)}

	_, err := e.Evaluate(context.Background(), ".n | keys", data)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExecution, schema.CodeOf(err))
}

func TestGoJQEngine_EmptyExpression(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestGoJQEngine_EnvAccessBlocked(t *testing.T) {
	e := NewGoJQEngine()

	got, err := e.Evaluate(context.Background(), "env | length", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}
