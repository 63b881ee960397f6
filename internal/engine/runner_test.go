package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orquesta/internal/expressions"
	"github.com/rendis/orquesta/internal/store"
	"github.com/rendis/orquesta/pkg/schema"
)

func newTestRunner(t *testing.T, invoker AgentInvoker) *StepRunner {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	interp := expressions.NewInterpolator(expressions.NewExprEngine())
	return NewStepRunner(invoker, interp, cel, expressions.NewGoJQEngine(), testLogger())
}

func emptyScope() *expressions.InterpolationScope {
	return expressions.NewScopeBuilder(nil, nil).Build()
}

func neverCancelled() <-chan struct{} {
	return make(chan struct{})
}

func closedChan() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func TestStepRunner_Success(t *testing.T) {
	inv := newEchoInvoker()
	inv.outputs["worker"] = schema.Object(map[string]schema.Value{"done": schema.Bool(true)})
	r := newTestRunner(t, inv)
	trail := NewTrail("exec-1", newMockStore(), testLogger())

	step := &schema.StepDefinition{StepKey: "s", AgentID: "worker"}
	out := r.Run(context.Background(), step, 0, emptyScope(), neverCancelled(), trail)

	assert.Equal(t, schema.StepStatusCompleted, out.Status)
	assert.Equal(t, 1, out.Attempts)
	assert.NoError(t, out.Err)
	done, ok := out.Output.Field("done")
	require.True(t, ok)
	b, _ := done.AsBool()
	assert.True(t, b)
}

func TestStepRunner_RetryExhausted_WrapsLastError(t *testing.T) {
	inv := newEchoInvoker()
	inv.errs["bad"] = fmt.Errorf("permanent")
	r := newTestRunner(t, inv)
	trail := NewTrail("exec-1", newMockStore(), testLogger())

	step := &schema.StepDefinition{StepKey: "s", AgentID: "bad", RetryCount: 2, RetryDelayMs: 1}
	out := r.Run(context.Background(), step, 0, emptyScope(), neverCancelled(), trail)

	assert.Equal(t, schema.StepStatusFailed, out.Status)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, schema.ErrCodeRetryExhausted, schema.CodeOf(out.Err))
	assert.Contains(t, out.Err.Error(), "permanent")
}

func TestStepRunner_NegativeRetryCount_SingleAttempt(t *testing.T) {
	inv := newEchoInvoker()
	inv.errs["bad"] = fmt.Errorf("nope")
	r := newTestRunner(t, inv)
	trail := NewTrail("exec-1", newMockStore(), testLogger())

	step := &schema.StepDefinition{StepKey: "s", AgentID: "bad", RetryCount: -5}
	out := r.Run(context.Background(), step, 0, emptyScope(), neverCancelled(), trail)

	assert.Equal(t, schema.StepStatusFailed, out.Status)
	assert.Equal(t, 1, out.Attempts)
}

func TestStepRunner_Timeout(t *testing.T) {
	inv := InvokerFunc(func(ctx context.Context, _ string, _ map[string]schema.Value) (schema.Value, error) {
		select {
		case <-time.After(time.Second):
			return schema.Null(), nil
		case <-ctx.Done():
			return schema.Null(), ctx.Err()
		}
	})
	r := newTestRunner(t, inv)
	trail := NewTrail("exec-1", newMockStore(), testLogger())

	step := &schema.StepDefinition{StepKey: "s", AgentID: "slow", TimeoutMs: 20}
	out := r.Run(context.Background(), step, 0, emptyScope(), neverCancelled(), trail)

	assert.Equal(t, schema.StepStatusFailed, out.Status)
	// Exhaustion wraps the timeout failure of the only attempt.
	assert.Equal(t, schema.ErrCodeRetryExhausted, schema.CodeOf(out.Err))
	assert.Contains(t, out.Err.Error(), "timed out")
}

func TestStepRunner_CancelledBeforeAttempt(t *testing.T) {
	inv := newEchoInvoker()
	r := newTestRunner(t, inv)
	trail := NewTrail("exec-1", newMockStore(), testLogger())

	step := &schema.StepDefinition{StepKey: "s", AgentID: "worker"}
	out := r.Run(context.Background(), step, 0, emptyScope(), closedChan(), trail)

	assert.Equal(t, schema.StepStatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(out.Err))
	assert.Empty(t, inv.callOrder())
}

func TestStepRunner_CancelledDuringBackoff(t *testing.T) {
	cancelled := make(chan struct{})
	inv := InvokerFunc(func(_ context.Context, _ string, _ map[string]schema.Value) (schema.Value, error) {
		close(cancelled)
		return schema.Null(), fmt.Errorf("transient")
	})
	r := newTestRunner(t, inv)
	trail := NewTrail("exec-1", newMockStore(), testLogger())

	step := &schema.StepDefinition{StepKey: "s", AgentID: "flaky", RetryCount: 3, RetryDelayMs: 10_000}
	start := time.Now()
	out := r.Run(context.Background(), step, 0, emptyScope(), cancelled, trail)

	assert.Equal(t, schema.StepStatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(out.Err))
	assert.Less(t, time.Since(start), 5*time.Second, "backoff wait must abort on cancel")
}

func TestStepRunner_ConditionFalse_Skips(t *testing.T) {
	inv := newEchoInvoker()
	r := newTestRunner(t, inv)
	trail := NewTrail("exec-1", newMockStore(), testLogger())

	step := &schema.StepDefinition{StepKey: "s", AgentID: "worker", Condition: "1 > 2"}
	out := r.Run(context.Background(), step, 0, emptyScope(), neverCancelled(), trail)

	assert.Equal(t, schema.StepStatusSkipped, out.Status)
	assert.Empty(t, inv.callOrder())
}

func TestStepRunner_ConditionMalformed_Fails(t *testing.T) {
	inv := newEchoInvoker()
	r := newTestRunner(t, inv)
	trail := NewTrail("exec-1", newMockStore(), testLogger())

	step := &schema.StepDefinition{StepKey: "s", AgentID: "worker", Condition: "this is not CEL ((("}
	out := r.Run(context.Background(), step, 0, emptyScope(), neverCancelled(), trail)

	assert.Equal(t, schema.StepStatusFailed, out.Status)
	assert.Error(t, out.Err)
	assert.Empty(t, inv.callOrder())
}

func TestStepRunner_InputInterpolationFailure(t *testing.T) {
	inv := newEchoInvoker()
	r := newTestRunner(t, inv)
	trail := NewTrail("exec-1", newMockStore(), testLogger())

	step := &schema.StepDefinition{
		StepKey: "s",
		AgentID: "worker",
		Inputs: schema.Object(map[string]schema.Value{
			"v": schema.String("${{ steps.ghost.output.field }}"),
		}),
	}
	out := r.Run(context.Background(), step, 0, emptyScope(), neverCancelled(), trail)

	assert.Equal(t, schema.StepStatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeInterpolation, schema.CodeOf(out.Err))
	assert.Empty(t, inv.callOrder())
}

func TestStepRunner_OutputProjectionFailure_Retries(t *testing.T) {
	inv := newEchoInvoker()
	inv.outputs["worker"] = schema.Object(map[string]schema.Value{"x": schema.Number(1)})
	r := newTestRunner(t, inv)
	trail := NewTrail("exec-1", newMockStore(), testLogger())

	step := &schema.StepDefinition{
		StepKey: "s",
		AgentID: "worker",
		Outputs: map[string]string{"bad": ".x | not_a_function"},
	}
	out := r.Run(context.Background(), step, 0, emptyScope(), neverCancelled(), trail)

	assert.Equal(t, schema.StepStatusFailed, out.Status)
	assert.Equal(t, schema.ErrCodeRetryExhausted, schema.CodeOf(out.Err))
}

func TestStepRunner_TrailRecordsAttempts(t *testing.T) {
	inv := newEchoInvoker()
	inv.errs["bad"] = fmt.Errorf("nope")
	st := newMockStore()
	r := newTestRunner(t, inv)
	trail := NewTrail("exec-1", st, testLogger())

	step := &schema.StepDefinition{StepKey: "s", AgentID: "bad", RetryCount: 1, RetryDelayMs: 1}
	r.Run(context.Background(), step, 0, emptyScope(), neverCancelled(), trail)

	logs, err := st.ListLogs(context.Background(), "exec-1", store.LogFilter{})
	require.NoError(t, err)

	var running, failed, retrying int
	for _, entry := range logs {
		switch entry.StepStatus {
		case schema.StepStatusRunning:
			running++
		case schema.StepStatusFailed:
			failed++
		case schema.StepStatusRetrying:
			retrying++
		}
	}
	assert.Equal(t, 2, running)
	assert.Equal(t, 2, failed)
	assert.Equal(t, 1, retrying)
}

func TestTrail_CapturesFirstStoreError(t *testing.T) {
	st := newMockStore()
	st.appendLogErr = fmt.Errorf("disk full")
	trail := NewTrail("exec-1", st, testLogger())

	trail.Event(context.Background(), schema.LogLevelInfo, "one", nil)
	trail.Event(context.Background(), schema.LogLevelInfo, "two", nil)

	err := trail.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	// Err is stable across calls.
	assert.Equal(t, err, trail.Err())
}
