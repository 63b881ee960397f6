package trigger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orquesta/internal/store"
	"github.com/rendis/orquesta/pkg/schema"
)

// stubStore implements the two Store methods the trigger touches; the
// embedded interface panics on anything else.
type stubStore struct {
	store.Store

	mu        sync.Mutex
	workflows []*store.Workflow
	updates   map[string][]store.WorkflowUpdate
	listErr   error
}

func newStubStore(workflows ...*store.Workflow) *stubStore {
	return &stubStore{workflows: workflows, updates: make(map[string][]store.WorkflowUpdate)}
}

func (s *stubStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*store.Workflow
	for _, wf := range s.workflows {
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		if filter.ScheduledOnly && wf.Schedule == nil {
			continue
		}
		out = append(out, wf)
	}
	return out, nil
}

func (s *stubStore) UpdateWorkflow(_ context.Context, id string, upd store.WorkflowUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[id] = append(s.updates[id], upd)
	for _, wf := range s.workflows {
		if wf.ID == id && upd.NextRunAt != nil {
			wf.NextRunAt = upd.NextRunAt
		}
	}
	return nil
}

func (s *stubStore) nextRunUpdates(id string) []store.WorkflowUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.WorkflowUpdate(nil), s.updates[id]...)
}

type startCall struct {
	workflowID string
	userID     string
	trigger    schema.TriggerType
}

// fakeStarter records StartExecution calls. Wait blocks until release is
// closed, or returns immediately when release is nil.
type fakeStarter struct {
	mu       sync.Mutex
	starts   []startCall
	startErr error
	release  chan struct{}
}

func (f *fakeStarter) StartExecution(_ context.Context, workflowID, userID string, trigger schema.TriggerType, _ schema.Value) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.starts = append(f.starts, startCall{workflowID: workflowID, userID: userID, trigger: trigger})
	return fmt.Sprintf("exec-%d", len(f.starts)), nil
}

func (f *fakeStarter) Wait(ctx context.Context, _ string) error {
	f.mu.Lock()
	release := f.release
	f.mu.Unlock()
	if release == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-release:
		return nil
	}
}

func (f *fakeStarter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.starts)
}

func (f *fakeStarter) call(i int) startCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[i]
}

func testTrigger(s store.Store, starter ExecutionStarter) *CronTrigger {
	return NewCronTrigger(s, starter, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func scheduledWorkflow(id string, nextRunAt *time.Time) *store.Workflow {
	return &store.Workflow{
		ID:        id,
		UserID:    "alice",
		Name:      "nightly",
		Status:    schema.WorkflowStatusActive,
		Schedule:  &schema.ScheduleConfig{CronExpression: "0 6 * * *", Enabled: true},
		NextRunAt: nextRunAt,
	}
}

func TestCalculateNextRun(t *testing.T) {
	ct := testTrigger(newStubStore(), &fakeStarter{})

	from := time.Date(2025, 3, 10, 5, 30, 0, 0, time.UTC)
	next, err := ct.CalculateNextRun("0 6 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC), next)

	next, err = ct.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 10, 5, 45, 0, 0, time.UTC), next)
}

func TestValidateCronExpression(t *testing.T) {
	ct := testTrigger(newStubStore(), &fakeStarter{})

	assert.NoError(t, ct.ValidateCronExpression("0 6 * * *"))
	assert.NoError(t, ct.ValidateCronExpression("*/5 * * * 1-5"))

	err := ct.ValidateCronExpression("not a cron")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	// Six fields (seconds) are not accepted.
	assert.Error(t, ct.ValidateCronExpression("0 0 6 * * *"))
}

func TestTick_FiresDueWorkflow(t *testing.T) {
	wf := scheduledWorkflow("wf-1", nil) // never run before, due immediately
	st := newStubStore(wf)
	starter := &fakeStarter{}
	ct := testTrigger(st, starter)

	ct.tick(context.Background())

	require.Equal(t, 1, starter.callCount())
	call := starter.call(0)
	assert.Equal(t, "wf-1", call.workflowID)
	assert.Equal(t, "alice", call.userID)
	assert.Equal(t, schema.TriggerSchedule, call.trigger)

	// Next run time was advanced before the execution started.
	updates := st.nextRunUpdates("wf-1")
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].NextRunAt)
	assert.True(t, updates[0].NextRunAt.After(time.Now().UTC().Add(-time.Minute)))
}

func TestTick_SkipsFutureAndDisabled(t *testing.T) {
	future := time.Now().UTC().Add(time.Hour)
	notDue := scheduledWorkflow("wf-future", &future)
	disabled := scheduledWorkflow("wf-disabled", nil)
	disabled.Schedule.Enabled = false

	starter := &fakeStarter{}
	ct := testTrigger(newStubStore(notDue, disabled), starter)

	ct.tick(context.Background())
	assert.Zero(t, starter.callCount())
}

func TestTick_DedupWhileRunInFlight(t *testing.T) {
	wf := scheduledWorkflow("wf-1", nil)
	st := newStubStore(wf)
	starter := &fakeStarter{release: make(chan struct{})}
	ct := testTrigger(st, starter)

	ctx := context.Background()
	ct.tick(ctx)
	require.Equal(t, 1, starter.callCount())

	// The run is still in flight; mark the workflow due again.
	st.mu.Lock()
	wf.NextRunAt = nil
	st.mu.Unlock()
	ct.tick(ctx)
	assert.Equal(t, 1, starter.callCount(), "overlapping slot must not double-fire")

	// After the run finishes the next due slot fires.
	close(starter.release)
	require.Eventually(t, func() bool {
		ct.inflightMu.Lock()
		defer ct.inflightMu.Unlock()
		return len(ct.inflight) == 0
	}, 2*time.Second, 10*time.Millisecond)

	st.mu.Lock()
	wf.NextRunAt = nil
	st.mu.Unlock()
	ct.tick(ctx)
	assert.Equal(t, 2, starter.callCount())
}

func TestTick_StartFailureReleasesSlot(t *testing.T) {
	wf := scheduledWorkflow("wf-1", nil)
	starter := &fakeStarter{startErr: fmt.Errorf("engine down")}
	ct := testTrigger(newStubStore(wf), starter)

	ct.tick(context.Background())

	ct.inflightMu.Lock()
	defer ct.inflightMu.Unlock()
	assert.Empty(t, ct.inflight)
}

func TestRecoverMissed(t *testing.T) {
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	missed := scheduledWorkflow("wf-missed", &past)
	upcoming := scheduledWorkflow("wf-upcoming", &future)
	neverRun := scheduledWorkflow("wf-never", nil) // regular ticks handle this one

	starter := &fakeStarter{}
	ct := testTrigger(newStubStore(missed, upcoming, neverRun), starter)

	require.NoError(t, ct.RecoverMissed(context.Background()))
	require.Equal(t, 1, starter.callCount())
	assert.Equal(t, "wf-missed", starter.call(0).workflowID)
}

func TestStartStopLifecycle(t *testing.T) {
	ct := testTrigger(newStubStore(), &fakeStarter{})
	ctx := context.Background()

	require.NoError(t, ct.Start(ctx))
	err := ct.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, ct.Stop())
	assert.NoError(t, ct.Stop(), "stop is idempotent")

	// The trigger can be started again after a clean stop.
	require.NoError(t, ct.Start(ctx))
	require.NoError(t, ct.Stop())
}
