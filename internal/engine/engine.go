package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/orquesta/internal/expressions"
	"github.com/rendis/orquesta/internal/store"
	"github.com/rendis/orquesta/pkg/schema"
)

// Config tunes the engine.
type Config struct {
	// PoolSize bounds concurrently running step attempts across all
	// executions. Zero means DefaultPoolSize.
	PoolSize int
}

// DefaultPoolSize is the default step concurrency bound.
const DefaultPoolSize = 16

// Engine starts, tracks and cancels workflow executions. Each in-flight
// execution is driven by its own scheduling goroutine; the engine itself
// only keeps the registry of live runs.
type Engine struct {
	store   store.Store
	invoker AgentInvoker
	runner  *StepRunner
	pool    *WorkerPool
	log     *slog.Logger

	mu      sync.Mutex
	running map[string]*run

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// New creates an Engine. The CEL environment construction is the only
// fallible piece of the expression stack.
func New(st store.Store, invoker AgentInvoker, cfg Config, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	interp := expressions.NewInterpolator(expressions.NewExprEngine())
	jq := expressions.NewGoJQEngine()

	size := cfg.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Engine{
		store:      st,
		invoker:    invoker,
		runner:     NewStepRunner(invoker, interp, cel, jq, log),
		pool:       NewWorkerPool(size),
		log:        log,
		running:    make(map[string]*run),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}, nil
}

// StartExecution validates the workflow, creates a PENDING execution record
// and launches its scheduling goroutine. The returned execution ID is usable
// immediately for status reads and cancellation.
func (e *Engine) StartExecution(ctx context.Context, workflowID, userID string, trigger schema.TriggerType, input schema.Value) (string, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if wf.Status != schema.WorkflowStatusActive {
		return "", schema.NewErrorf(schema.ErrCodeInvalidState,
			"workflow %q is %s, only active workflows can run", workflowID, wf.Status)
	}

	steps, err := e.store.GetWorkflowSteps(ctx, workflowID)
	if err != nil {
		return "", err
	}
	def := schema.WorkflowDefinition{Steps: steps}
	graph, err := BuildGraph(&def)
	if err != nil {
		return "", err
	}

	exec := &store.Execution{
		ID:          uuid.NewString(),
		WorkflowID:  workflowID,
		UserID:      wf.UserID,
		Status:      schema.ExecutionStatusPending,
		TriggerType: trigger,
		InputData:   input,
		StepsTotal:  len(graph.Steps),
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}

	r := newRun(exec, graph, e.runner, e.store, e.pool, e.log)

	e.mu.Lock()
	e.running[exec.ID] = r
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.running, exec.ID)
			e.mu.Unlock()
		}()
		r.execute(e.baseCtx)
	}()

	e.log.Info("execution started",
		slog.String("execution_id", exec.ID),
		slog.String("workflow_id", workflowID),
		slog.String("trigger", string(trigger)))
	return exec.ID, nil
}

// CancelExecution requests cooperative cancellation. Only the owning user
// may cancel; a foreign user gets Forbidden (the cancel path does not hide
// existence the way reads do). Terminal executions reject with InvalidState.
func (e *Engine) CancelExecution(ctx context.Context, executionID, requestingUserID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.UserID != requestingUserID {
		return schema.NewErrorf(schema.ErrCodeForbidden,
			"user %q may not cancel execution %q", requestingUserID, executionID)
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"execution %q is already %s", executionID, exec.Status)
	}

	e.mu.Lock()
	r, live := e.running[executionID]
	e.mu.Unlock()

	if live {
		r.cancel()
		return nil
	}

	// No live run. The first read may predate the run's final write, so it
	// cannot justify a direct store write: the run deregisters only after
	// persisting its terminal status, which makes a read taken after the
	// registry miss authoritative. Re-read before transitioning.
	exec, err = e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidState,
			"execution %q is already %s", executionID, exec.Status)
	}
	if err := TransitionExecution(executionID, exec.Status, schema.ExecutionStatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	cancelled := schema.ExecutionStatusCancelled
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &cancelled,
		CompletedAt: &now,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist cancellation: %s", err.Error()).WithCause(err)
	}
	return nil
}

// GetExecution returns an execution's current record. Foreign executions are
// reported as NotFound, never Forbidden: reads hide existence.
func (e *Engine) GetExecution(ctx context.Context, executionID, requestingUserID string) (*store.Execution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.UserID != requestingUserID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", executionID)
	}
	return exec, nil
}

// ListLogs returns an execution's log trail with the same existence-hiding
// policy as GetExecution.
func (e *Engine) ListLogs(ctx context.Context, executionID, requestingUserID string, filter store.LogFilter) ([]*store.ExecutionLog, error) {
	if _, err := e.GetExecution(ctx, executionID, requestingUserID); err != nil {
		return nil, err
	}
	return e.store.ListLogs(ctx, executionID, filter)
}

// Wait blocks until the given execution's scheduling goroutine finishes, or
// ctx expires. Returns immediately when no run is live.
func (e *Engine) Wait(ctx context.Context, executionID string) error {
	e.mu.Lock()
	r, live := e.running[executionID]
	e.mu.Unlock()
	if !live {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every live run, waits for them to drain, then stops the
// worker pool.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.running))
	for _, r := range e.running {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.cancel()
	}
	for _, r := range runs {
		select {
		case <-r.done:
		case <-ctx.Done():
			e.baseCancel()
			return ctx.Err()
		}
	}

	e.pool.Shutdown()
	e.baseCancel()
	return nil
}

// PoolMetrics exposes the worker pool counters.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}
