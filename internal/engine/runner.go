package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/orquesta/internal/expressions"
	"github.com/rendis/orquesta/internal/store"
	"github.com/rendis/orquesta/pkg/schema"
)

// StepOutcome is the result of one step's full attempt sequence, delivered
// back to the scheduling loop. It reflects the last attempt only; prior
// attempts are visible through the log trail.
type StepOutcome struct {
	Index      int
	StepKey    string
	Status     schema.StepStatus // completed, failed or skipped
	Output     schema.Value
	Err        error
	Attempts   int
	DurationMs int64
}

// StepRunner executes exactly one step's attempt sequence: condition guard,
// input resolution, timeout-bounded invocation, linear-backoff retries, and
// per-attempt log rows.
type StepRunner struct {
	invoker AgentInvoker
	interp  *expressions.Interpolator
	cel     *expressions.CELEngine
	jq      *expressions.GoJQEngine
	log     *slog.Logger
}

// NewStepRunner creates a StepRunner over the given invoker and expression engines.
func NewStepRunner(invoker AgentInvoker, interp *expressions.Interpolator, cel *expressions.CELEngine, jq *expressions.GoJQEngine, log *slog.Logger) *StepRunner {
	if log == nil {
		log = slog.Default()
	}
	return &StepRunner{invoker: invoker, interp: interp, cel: cel, jq: jq, log: log}
}

// Run executes the step against the given scope snapshot. cancelled is the
// execution-wide cooperative cancellation signal; it is checked before each
// attempt and during backoff waits, never mid-invocation. The per-attempt
// timeout context is derived from ctx, which must NOT carry the cancellation
// signal, so in-flight attempts drain instead of being interrupted.
func (r *StepRunner) Run(ctx context.Context, step *schema.StepDefinition, idx int, scope *expressions.InterpolationScope, cancelled <-chan struct{}, trail *Trail) StepOutcome {
	started := time.Now()
	outcome := StepOutcome{Index: idx, StepKey: step.StepKey}

	// Condition guard: false means the step is skipped, not failed.
	if step.Condition != "" {
		pass, err := r.cel.EvaluateBool(ctx, step.Condition, scope.Env())
		if err != nil {
			outcome.Status = schema.StepStatusFailed
			outcome.Err = err
			trail.StepEvent(ctx, schema.LogLevelError, step.StepKey, schema.StepStatusFailed,
				"condition evaluation failed: "+err.Error(), nil, started, time.Now())
			return outcome
		}
		if !pass {
			outcome.Status = schema.StepStatusSkipped
			trail.StepEvent(ctx, schema.LogLevelInfo, step.StepKey, schema.StepStatusSkipped,
				"step skipped: condition evaluated to false",
				map[string]any{"condition": step.Condition}, started, time.Now())
			return outcome
		}
	}

	inputs, err := r.resolveInputs(ctx, step, scope)
	if err != nil {
		outcome.Status = schema.StepStatusFailed
		outcome.Err = err
		trail.StepEvent(ctx, schema.LogLevelError, step.StepKey, schema.StepStatusFailed,
			"input resolution failed: "+err.Error(), nil, started, time.Now())
		return outcome
	}

	maxAttempts := step.MaxAttempts()
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-cancelled:
			outcome.Status = schema.StepStatusFailed
			outcome.Err = schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithStep(step.StepKey)
			outcome.Attempts = attempt - 1
			outcome.DurationMs = time.Since(started).Milliseconds()
			return outcome
		default:
		}

		attemptStart := time.Now()
		outcome.Attempts = attempt
		trail.StepEvent(ctx, schema.LogLevelInfo, step.StepKey, schema.StepStatusRunning,
			"step attempt started",
			map[string]any{"attempt": attempt, "max_attempts": maxAttempts, "agent_id": step.AgentID},
			attemptStart, time.Time{})

		output, err := r.invokeOnce(ctx, step, inputs)
		attemptMs := time.Since(attemptStart).Milliseconds()

		if err == nil {
			projected, perr := r.projectOutputs(ctx, step, output)
			if perr != nil {
				err = perr
			} else {
				outcome.Status = schema.StepStatusCompleted
				outcome.Output = projected
				outcome.DurationMs = time.Since(started).Milliseconds()
				trail.StepEvent(ctx, schema.LogLevelInfo, step.StepKey, schema.StepStatusCompleted,
					"step completed",
					map[string]any{"attempt": attempt, "duration_ms": attemptMs},
					attemptStart, time.Now())
				return outcome
			}
		}

		lastErr = err
		trail.StepEvent(ctx, schema.LogLevelError, step.StepKey, schema.StepStatusFailed,
			"step attempt failed: "+err.Error(),
			map[string]any{"attempt": attempt, "max_attempts": maxAttempts, "duration_ms": attemptMs},
			attemptStart, time.Now())

		if attempt < maxAttempts {
			// Linear backoff on the configured base.
			delay := time.Duration(step.RetryDelayMs*int64(attempt)) * time.Millisecond
			trail.StepEvent(ctx, schema.LogLevelWarn, step.StepKey, schema.StepStatusRetrying,
				"retrying step",
				map[string]any{"attempt": attempt, "next_attempt": attempt + 1, "delay_ms": delay.Milliseconds()},
				time.Now(), time.Time{})
			if !r.sleep(delay, cancelled) {
				outcome.Status = schema.StepStatusFailed
				outcome.Err = schema.NewError(schema.ErrCodeCancelled, "execution cancelled during retry wait").WithStep(step.StepKey)
				outcome.DurationMs = time.Since(started).Milliseconds()
				return outcome
			}
		}
	}

	outcome.Status = schema.StepStatusFailed
	outcome.Err = schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"step failed after %d attempt(s): %s", maxAttempts, lastErr.Error()).
		WithStep(step.StepKey).WithCause(lastErr)
	outcome.DurationMs = time.Since(started).Milliseconds()
	return outcome
}

// invokeOnce runs a single agent invocation under the step's per-attempt
// timeout. A deadline hit is reported as a timeout failure, treated the same
// as any invoker error by the retry loop.
func (r *StepRunner) invokeOnce(ctx context.Context, step *schema.StepDefinition, inputs map[string]schema.Value) (schema.Value, error) {
	attemptCtx := ctx
	if step.TimeoutMs > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	output, err := r.invoker.Invoke(attemptCtx, step.AgentID, inputs)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded {
			return schema.Null(), schema.NewErrorf(schema.ErrCodeTimeout,
				"agent %q timed out after %dms", step.AgentID, step.TimeoutMs).
				WithStep(step.StepKey).WithCause(err)
		}
		return schema.Null(), err
	}
	return output, nil
}

// resolveInputs builds the invoker input snapshot: the outputs of every
// dependency merged under their step keys, overlaid with the step's
// interpolated input template.
func (r *StepRunner) resolveInputs(ctx context.Context, step *schema.StepDefinition, scope *expressions.InterpolationScope) (map[string]schema.Value, error) {
	inputs := make(map[string]schema.Value)

	for _, dep := range step.DependsOn {
		if out, ok := scope.Steps[dep]; ok {
			v, err := schema.FromAny(out)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"dependency %q output is not representable: %s", dep, err.Error()).
					WithStep(step.StepKey).WithCause(err)
			}
			inputs[dep] = v
		}
	}

	if step.Inputs.IsNull() {
		return inputs, nil
	}

	resolved, err := r.interp.ResolveValue(ctx, step.Inputs, scope)
	if err != nil {
		if oe, ok := err.(*schema.OrquestaError); ok {
			return nil, oe.WithStep(step.StepKey)
		}
		return nil, err
	}
	if fields, ok := resolved.Fields(); ok {
		for k, v := range fields {
			inputs[k] = v
		}
	} else {
		inputs["input"] = resolved
	}
	return inputs, nil
}

// projectOutputs applies the step's named jq filters over the raw agent
// output. With no filters configured, the raw output passes through.
func (r *StepRunner) projectOutputs(ctx context.Context, step *schema.StepDefinition, raw schema.Value) (schema.Value, error) {
	if len(step.Outputs) == 0 {
		return raw, nil
	}

	data, _ := raw.Unwrap().(map[string]any)
	if data == nil {
		data = map[string]any{}
	}

	projected := make(map[string]schema.Value, len(step.Outputs))
	for name, filter := range step.Outputs {
		out, err := r.jq.Evaluate(ctx, filter, data)
		if err != nil {
			if oe, ok := err.(*schema.OrquestaError); ok {
				return schema.Null(), oe.WithStep(step.StepKey)
			}
			return schema.Null(), err
		}
		v, err := schema.FromAny(out)
		if err != nil {
			return schema.Null(), schema.NewErrorf(schema.ErrCodeExecution,
				"output %q is not representable: %s", name, err.Error()).
				WithStep(step.StepKey).WithCause(err)
		}
		projected[name] = v
	}
	return schema.Object(projected), nil
}

// sleep waits for the backoff delay; returns false if cancellation fired first.
func (r *StepRunner) sleep(d time.Duration, cancelled <-chan struct{}) bool {
	if d <= 0 {
		select {
		case <-cancelled:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-cancelled:
		return false
	}
}

// Trail is the append-only log sink for one execution. Log appends may race
// across step goroutines; the store serializes them per row. The first store
// failure is captured so the scheduler can fail the execution.
type Trail struct {
	executionID string
	store       store.Store
	log         *slog.Logger

	mu       sync.Mutex
	firstErr error
}

// NewTrail creates a Trail for the given execution.
func NewTrail(executionID string, st store.Store, log *slog.Logger) *Trail {
	if log == nil {
		log = slog.Default()
	}
	return &Trail{
		executionID: executionID,
		store:       st,
		log:         log,
	}
}

// Event appends an execution-level log row.
func (t *Trail) Event(ctx context.Context, level schema.LogLevel, message string, metadata map[string]any) {
	t.append(ctx, &store.ExecutionLog{
		ExecutionID: t.executionID,
		Level:       level,
		Message:     message,
		Metadata:    metadata,
	})
}

// StepEvent appends a step-scoped log row. completedAt may be zero for
// attempt-start rows.
func (t *Trail) StepEvent(ctx context.Context, level schema.LogLevel, stepKey string, status schema.StepStatus, message string, metadata map[string]any, startedAt, completedAt time.Time) {
	entry := &store.ExecutionLog{
		ExecutionID: t.executionID,
		Level:       level,
		Message:     message,
		Metadata:    metadata,
		StepKey:     stepKey,
		StepStatus:  status,
	}
	if !startedAt.IsZero() {
		entry.StepStartedAt = &startedAt
	}
	if !completedAt.IsZero() {
		entry.StepCompletedAt = &completedAt
		if !startedAt.IsZero() {
			entry.StepDurationMs = completedAt.Sub(startedAt).Milliseconds()
		}
	}
	t.append(ctx, entry)
}

func (t *Trail) append(ctx context.Context, entry *store.ExecutionLog) {
	if err := t.store.AppendLog(ctx, entry); err != nil {
		t.log.Error("append execution log failed",
			slog.String("execution_id", t.executionID),
			slog.String("error", err.Error()))
		t.mu.Lock()
		if t.firstErr == nil {
			t.firstErr = err
		}
		t.mu.Unlock()
	}
}

// Err returns the first log-append failure observed, if any.
func (t *Trail) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstErr
}
