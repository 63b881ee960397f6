package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ExecutionID(ctx))
	assert.Empty(t, StepKey(ctx))
	assert.Empty(t, AgentID(ctx))

	ctx = WithExecutionID(ctx, "exec-1")
	ctx = WithStepKey(ctx, "fetch")
	ctx = WithAgentID(ctx, "fetcher")

	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "fetch", StepKey(ctx))
	assert.Equal(t, "fetcher", AgentID(ctx))
}

func TestWithIDs(t *testing.T) {
	ctx := WithIDs(context.Background(), "exec-2", "process", "processor")
	assert.Equal(t, "exec-2", ExecutionID(ctx))
	assert.Equal(t, "process", StepKey(ctx))
	assert.Equal(t, "processor", AgentID(ctx))
}

func TestLogWith_AddsOnlyPresentIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithExecutionID(context.Background(), "exec-3")
	LogWith(ctx, logger).Info("hello")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "exec-3", record["execution_id"])
	assert.NotContains(t, record, "step_key")
	assert.NotContains(t, record, "agent_id")
}

func TestCorrelationHandler_InjectsFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "exec-4", "transform", "llm")
	logger.InfoContext(ctx, "step running", "attempt", 2)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "step running", record["msg"])
	assert.Equal(t, "exec-4", record["execution_id"])
	assert.Equal(t, "transform", record["step_key"])
	assert.Equal(t, "llm", record["agent_id"])
	assert.Equal(t, float64(2), record["attempt"])
}

func TestCorrelationHandler_PlainContextUntouched(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "no correlation")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.NotContains(t, record, "execution_id")
	assert.NotContains(t, record, "step_key")
}

func TestCorrelationHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))
	logger = logger.With("component", "engine").WithGroup("run")

	ctx := WithExecutionID(context.Background(), "exec-5")
	logger.InfoContext(ctx, "grouped", "phase", "drain")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "engine", record["component"])
	run, ok := record["run"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "drain", run["phase"])
}
