package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/orquesta/internal/store"
	"github.com/rendis/orquesta/pkg/schema"
)

// ExecutionStarter is the interface the cron trigger uses to launch workflow
// runs. Satisfied by the engine.
type ExecutionStarter interface {
	StartExecution(ctx context.Context, workflowID, userID string, trigger schema.TriggerType, input schema.Value) (string, error)
	Wait(ctx context.Context, executionID string) error
}

// CronTrigger polls the store for active workflows with a due schedule and
// starts executions for them.
type CronTrigger struct {
	store   store.Store
	starter ExecutionStarter
	parser  cron.Parser
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow IDs with a run in progress (dedup)
}

// NewCronTrigger creates a new CronTrigger.
func NewCronTrigger(s store.Store, starter ExecutionStarter, logger *slog.Logger) *CronTrigger {
	return &CronTrigger{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (t *CronTrigger) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.done != nil {
		t.mu.Unlock()
		return fmt.Errorf("cron trigger already started")
	}

	trigCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.loop(trigCtx)
	t.logger.Info("cron trigger started")
	return nil
}

func (t *CronTrigger) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	t.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick checks all scheduled workflows and fires those that are due.
func (t *CronTrigger) tick(ctx context.Context) {
	active := schema.WorkflowStatusActive
	workflows, err := t.store.ListWorkflows(ctx, store.WorkflowFilter{Status: &active, ScheduledOnly: true})
	if err != nil {
		t.logger.Error("failed to list scheduled workflows", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, wf := range workflows {
		if wf.Schedule == nil || !wf.Schedule.Enabled {
			continue
		}
		if wf.NextRunAt == nil || !wf.NextRunAt.After(now) {
			if err := t.fire(ctx, wf, now); err != nil {
				t.logger.Error("failed to fire scheduled workflow",
					slog.String("workflow_id", wf.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// fire advances the workflow's next run time and starts an execution.
// The next run time is persisted before the execution starts so a slow run
// cannot cause the same slot to fire twice.
func (t *CronTrigger) fire(ctx context.Context, wf *store.Workflow, now time.Time) error {
	if !t.tryAcquire(wf.ID) {
		return nil // previous run still in progress (dedup)
	}

	nextRun, err := t.CalculateNextRun(wf.Schedule.CronExpression, now)
	if err != nil {
		t.release(wf.ID)
		return fmt.Errorf("calculate next run for workflow %q: %w", wf.ID, err)
	}
	if err := t.store.UpdateWorkflow(ctx, wf.ID, store.WorkflowUpdate{NextRunAt: &nextRun}); err != nil {
		t.release(wf.ID)
		return fmt.Errorf("advance next run for workflow %q: %w", wf.ID, err)
	}

	t.logger.Info("firing scheduled workflow",
		slog.String("workflow_id", wf.ID),
		slog.Time("next_run_at", nextRun),
	)

	execID, err := t.starter.StartExecution(ctx, wf.ID, wf.UserID, schema.TriggerSchedule, schema.Null())
	if err != nil {
		t.release(wf.ID)
		return fmt.Errorf("start scheduled execution for workflow %q: %w", wf.ID, err)
	}

	// Hold the in-flight slot until the execution reaches a terminal state.
	go func() {
		defer t.release(wf.ID)
		if err := t.starter.Wait(ctx, execID); err != nil && ctx.Err() == nil {
			t.logger.Error("scheduled execution did not finish cleanly",
				slog.String("workflow_id", wf.ID),
				slog.String("execution_id", execID),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

// tryAcquire returns true and marks the workflow as in-flight if it does not
// already have a scheduled run in progress.
func (t *CronTrigger) tryAcquire(workflowID string) bool {
	t.inflightMu.Lock()
	defer t.inflightMu.Unlock()
	if _, ok := t.inflight[workflowID]; ok {
		return false
	}
	t.inflight[workflowID] = struct{}{}
	return true
}

// release removes the workflow from the in-flight set.
func (t *CronTrigger) release(workflowID string) {
	t.inflightMu.Lock()
	defer t.inflightMu.Unlock()
	delete(t.inflight, workflowID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (t *CronTrigger) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := t.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// ValidateCronExpression reports whether the expression parses under the
// standard five-field format.
func (t *CronTrigger) ValidateCronExpression(cronExpr string) error {
	if _, err := t.parser.Parse(cronExpr); err != nil {
		return schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("invalid cron expression %q", cronExpr)).WithCause(err)
	}
	return nil
}

// Stop gracefully shuts down the trigger loop. In-flight executions are left
// to the engine to finish or cancel.
func (t *CronTrigger) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel == nil {
		return nil
	}

	t.cancel()
	<-t.done
	t.cancel = nil
	t.done = nil

	t.logger.Info("cron trigger stopped")
	return nil
}

// RecoverMissed finds workflows whose next_run_at passed while the process was
// down and fires each of them once.
func (t *CronTrigger) RecoverMissed(ctx context.Context) error {
	active := schema.WorkflowStatusActive
	workflows, err := t.store.ListWorkflows(ctx, store.WorkflowFilter{Status: &active, ScheduledOnly: true})
	if err != nil {
		return fmt.Errorf("list missed workflows: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, wf := range workflows {
		if wf.Schedule == nil || !wf.Schedule.Enabled {
			continue
		}
		if wf.NextRunAt != nil && wf.NextRunAt.Before(now) {
			if err := t.fire(ctx, wf, now); err != nil {
				t.logger.Error("failed to recover missed workflow",
					slog.String("workflow_id", wf.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			recovered++
		}
	}

	if recovered > 0 {
		t.logger.Info("recovered missed workflows", slog.Int("count", recovered))
	}
	return nil
}
