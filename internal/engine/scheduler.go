package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rendis/orquesta/internal/expressions"
	"github.com/rendis/orquesta/internal/store"
	"github.com/rendis/orquesta/pkg/schema"
)

// run owns one in-flight execution. All mutable execution state (per-step
// statuses, aggregate counters, final status) is touched only by the run's
// scheduling goroutine; step results arrive over a single channel, so no
// locks guard the state itself.
type run struct {
	exec   *store.Execution
	graph  *Graph
	runner *StepRunner
	store  store.Store
	trail  *Trail
	pool   *WorkerPool
	log    *slog.Logger

	cancelled  chan struct{}
	cancelOnce sync.Once
	done       chan struct{}

	// scheduling goroutine state
	state      []schema.StepStatus
	dispatched []bool
	scope      *expressions.ScopeBuilder
	results    chan StepOutcome

	completed int
	failed    int
	inFlight  int
	halted    bool // stop dispatching new steps, drain in-flight
	failure   error
}

func newRun(exec *store.Execution, graph *Graph, runner *StepRunner, st store.Store, pool *WorkerPool, log *slog.Logger) *run {
	n := len(graph.Steps)
	state := make([]schema.StepStatus, n)
	for i := range state {
		state[i] = schema.StepStatusPending
	}

	inputs, _ := exec.InputData.Unwrap().(map[string]any)
	execMeta := map[string]any{
		"id":           exec.ID,
		"workflow_id":  exec.WorkflowID,
		"user_id":      exec.UserID,
		"trigger_type": string(exec.TriggerType),
	}

	return &run{
		exec:       exec,
		graph:      graph,
		runner:     runner,
		store:      st,
		trail:      NewTrail(exec.ID, st, log),
		pool:       pool,
		log:        log,
		cancelled:  make(chan struct{}),
		done:       make(chan struct{}),
		state:      state,
		dispatched: make([]bool, n),
		scope:      expressions.NewScopeBuilder(inputs, execMeta),
		results:    make(chan StepOutcome, n),
	}
}

// cancel fires the execution-wide cooperative cancellation signal. Safe to
// call more than once.
func (r *run) cancel() {
	r.cancelOnce.Do(func() { close(r.cancelled) })
}

func (r *run) isCancelled() bool {
	select {
	case <-r.cancelled:
		return true
	default:
		return false
	}
}

// execute drives the execution from PENDING to a terminal state. ctx is the
// engine's base context, deliberately independent of the cancellation signal
// so in-flight attempts and final persistence survive a cancel request.
func (r *run) execute(ctx context.Context) {
	defer close(r.done)

	// A cancel that lands before dispatch finalizes with no steps ever run.
	if r.isCancelled() {
		r.finalize(ctx, schema.ExecutionStatusCancelled, nil)
		return
	}

	if err := TransitionExecution(r.exec.ID, r.exec.Status, schema.ExecutionStatusRunning); err != nil {
		r.log.Error("refusing to start execution",
			slog.String("execution_id", r.exec.ID),
			slog.String("error", err.Error()))
		return
	}

	started := time.Now().UTC()
	r.exec.Status = schema.ExecutionStatusRunning
	r.exec.StartedAt = &started

	running := schema.ExecutionStatusRunning
	if err := r.store.UpdateExecution(ctx, r.exec.ID, store.ExecutionUpdate{
		Status:    &running,
		StartedAt: &started,
	}); err != nil {
		r.failure = schema.NewErrorf(schema.ErrCodeStore, "persist running status: %s", err.Error()).WithCause(err)
		r.finalize(ctx, schema.ExecutionStatusFailed, r.failure)
		return
	}

	r.trail.Event(ctx, schema.LogLevelInfo, "execution started", map[string]any{
		"workflow_id": r.exec.WorkflowID,
		"trigger":     string(r.exec.TriggerType),
		"steps_total": len(r.graph.Steps),
	})

	r.loop(ctx)

	switch {
	case r.isCancelled():
		r.finalize(ctx, schema.ExecutionStatusCancelled, nil)
	case r.failure != nil:
		r.finalize(ctx, schema.ExecutionStatusFailed, r.failure)
	case r.failed > 0:
		// Branch failures under continue policy still fail the run overall;
		// partial success is visible through counters and the log trail.
		r.finalize(ctx, schema.ExecutionStatusFailed,
			schema.NewErrorf(schema.ErrCodeStepFailed, "%d step(s) failed", r.failed))
	default:
		r.finalize(ctx, schema.ExecutionStatusCompleted, nil)
	}
}

// loop dispatches ready steps and consumes outcomes until the DAG is
// exhausted or a halt condition drains all in-flight work.
func (r *run) loop(ctx context.Context) {
	for {
		if !r.halted && !r.isCancelled() {
			r.dispatchReady(ctx)
		}

		if r.inFlight == 0 {
			return
		}

		outcome := <-r.results
		r.inFlight--
		r.apply(ctx, outcome)

		if err := r.trail.Err(); err != nil && r.failure == nil {
			// Without a durable log trail the run cannot be trusted to finish
			// consistently; stop dispatching and fail after the drain.
			r.halted = true
			r.failure = schema.NewErrorf(schema.ErrCodeStore, "log persistence failed: %s", err.Error()).WithCause(err)
		}
	}
}

// dispatchReady submits every ready step, ascending position as the tie-break.
func (r *run) dispatchReady(ctx context.Context) {
	var ready []int
	for i := range r.graph.Steps {
		if r.dispatched[i] || r.state[i] != schema.StepStatusPending {
			continue
		}
		if r.depsSatisfied(i) {
			ready = append(ready, i)
		}
	}
	sort.Slice(ready, func(a, b int) bool {
		return r.graph.Steps[ready[a]].Position < r.graph.Steps[ready[b]].Position
	})

	for _, idx := range ready {
		idx := idx
		step := r.graph.Steps[idx]
		r.dispatched[idx] = true
		r.state[idx] = schema.StepStatusRunning
		r.inFlight++

		scope := r.scope.Build()
		err := r.pool.Submit(ctx, func(ctx context.Context) error {
			r.results <- r.runner.Run(ctx, step, idx, scope, r.cancelled, r.trail)
			return nil
		})
		if err != nil {
			r.results <- StepOutcome{
				Index:   idx,
				StepKey: step.StepKey,
				Status:  schema.StepStatusFailed,
				Err: schema.NewErrorf(schema.ErrCodeExecution,
					"dispatch failed: %s", err.Error()).WithStep(step.StepKey).WithCause(err),
			}
		}
	}
}

// depsSatisfied reports whether every dependency of step i reached a
// terminal per-step state. Upstream continue-policy failures mark the whole
// downstream branch SKIPPED eagerly, so a pending step with terminal deps is
// always safe to dispatch.
func (r *run) depsSatisfied(i int) bool {
	for _, dep := range r.graph.Deps[i] {
		if !r.state[dep].Terminal() {
			return false
		}
	}
	return true
}

// apply folds one step outcome into the run state.
func (r *run) apply(ctx context.Context, outcome StepOutcome) {
	idx := outcome.Index
	step := r.graph.Steps[idx]
	r.state[idx] = outcome.Status

	switch outcome.Status {
	case schema.StepStatusCompleted:
		r.completed++
		if err := r.scope.AddStepOutput(step.StepKey, outcome.Output); err != nil {
			r.log.Error("register step output failed",
				slog.String("execution_id", r.exec.ID),
				slog.String("step_key", step.StepKey),
				slog.String("error", err.Error()))
		}
		r.persistCounters(ctx)

	case schema.StepStatusSkipped:
		// Condition-guard skip. Dependents stay eligible; the skipped step
		// contributes no output and no counter movement.

	case schema.StepStatusFailed:
		if schema.CodeOf(outcome.Err) == schema.ErrCodeCancelled {
			// Not a step fault; the cancel finalization owns the bookkeeping.
			return
		}
		r.failed++
		r.persistCounters(ctx)

		switch step.OnError {
		case schema.OnErrorContinue:
			r.killBranch(ctx, idx)
		default:
			if r.failure == nil {
				r.failure = outcome.Err
			}
			r.halted = true
			r.trail.Event(ctx, schema.LogLevelError, "halting execution: step failed with on_error=fail",
				map[string]any{"step_key": step.StepKey, "error": errString(outcome.Err)})
		}
	}
}

// killBranch marks every still-pending transitive dependent of idx as
// SKIPPED so the branch never dispatches.
func (r *run) killBranch(ctx context.Context, idx int) {
	for _, d := range r.graph.Descendants(idx) {
		if r.dispatched[d] || r.state[d] != schema.StepStatusPending {
			continue
		}
		r.state[d] = schema.StepStatusSkipped
		r.trail.StepEvent(ctx, schema.LogLevelWarn, r.graph.Steps[d].StepKey, schema.StepStatusSkipped,
			"step skipped: upstream step failed",
			map[string]any{"failed_step": r.graph.Steps[idx].StepKey}, time.Now(), time.Now())
	}
}

func (r *run) persistCounters(ctx context.Context) {
	completed, failed := r.completed, r.failed
	if err := r.store.UpdateExecution(ctx, r.exec.ID, store.ExecutionUpdate{
		StepsCompleted: &completed,
		StepsFailed:    &failed,
	}); err != nil && r.failure == nil {
		r.halted = true
		r.failure = schema.NewErrorf(schema.ErrCodeStore, "persist counters: %s", err.Error()).WithCause(err)
	}
}

// finalize commits the terminal status, counters, duration, aggregate output
// and the summary log row, then bumps the workflow's run counters.
func (r *run) finalize(ctx context.Context, status schema.ExecutionStatus, cause error) {
	if !CanTransitionExecution(r.exec.Status, status) {
		r.log.Error("invalid terminal transition",
			slog.String("execution_id", r.exec.ID),
			slog.String("from", string(r.exec.Status)),
			slog.String("to", string(status)))
		return
	}

	now := time.Now().UTC()
	var durationMs int64
	if r.exec.StartedAt != nil {
		durationMs = now.Sub(*r.exec.StartedAt).Milliseconds()
	}

	completed, failed := r.completed, r.failed
	update := store.ExecutionUpdate{
		Status:         &status,
		CompletedAt:    &now,
		DurationMs:     &durationMs,
		StepsCompleted: &completed,
		StepsFailed:    &failed,
	}
	if status == schema.ExecutionStatusCompleted {
		output := r.aggregateOutput()
		update.OutputData = &output
	}
	if cause != nil {
		msg := cause.Error()
		update.ErrorMessage = &msg
	}

	if err := r.store.UpdateExecution(ctx, r.exec.ID, update); err != nil {
		r.log.Error("persist terminal status failed",
			slog.String("execution_id", r.exec.ID),
			slog.String("error", err.Error()))
	}

	r.exec.Status = status
	r.exec.CompletedAt = &now
	r.exec.DurationMs = durationMs
	r.exec.StepsCompleted = completed
	r.exec.StepsFailed = failed

	level := schema.LogLevelInfo
	if status == schema.ExecutionStatusFailed {
		level = schema.LogLevelError
	}
	summary := map[string]any{
		"status":          string(status),
		"steps_total":     r.exec.StepsTotal,
		"steps_completed": completed,
		"steps_failed":    failed,
		"duration_ms":     durationMs,
	}
	if cause != nil {
		summary["error"] = cause.Error()
	}
	r.trail.Event(ctx, level, "execution finished", summary)

	if err := r.store.RecordWorkflowRun(ctx, r.exec.WorkflowID, status); err != nil {
		r.log.Error("record workflow run failed",
			slog.String("workflow_id", r.exec.WorkflowID),
			slog.String("error", err.Error()))
	}
}

// aggregateOutput merges every completed step's output under its step key.
func (r *run) aggregateOutput() schema.Value {
	outputs := r.scope.StepOutputs()
	fields := make(map[string]schema.Value, len(outputs))
	for k, v := range outputs {
		val, err := schema.FromAny(v)
		if err != nil {
			continue
		}
		fields[k] = val
	}
	return schema.Object(fields)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
