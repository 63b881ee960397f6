package store

import (
	"time"

	"github.com/rendis/orquesta/pkg/schema"
)

// Workflow is the persisted workflow definition with its schedule and
// aggregate run counters. The definition is immutable once an execution
// references it; edits go through a new record.
type Workflow struct {
	ID            string                    `json:"id"`
	UserID        string                    `json:"user_id"`
	Name          string                    `json:"name"`
	Status        schema.WorkflowStatus     `json:"status"`
	Definition    schema.WorkflowDefinition `json:"definition"`
	Schedule      *schema.ScheduleConfig    `json:"schedule,omitempty"`
	NextRunAt     *time.Time                `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time                `json:"last_run_at,omitempty"`
	LastRunStatus string                    `json:"last_run_status,omitempty"`
	RunsTotal     int64                     `json:"runs_total"`
	RunsSucceeded int64                     `json:"runs_succeeded"`
	RunsFailed    int64                     `json:"runs_failed"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

// Execution is one run of a workflow.
type Execution struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	UserID         string                 `json:"user_id"` // copied from the workflow at creation time
	Status         schema.ExecutionStatus `json:"status"`
	TriggerType    schema.TriggerType     `json:"trigger_type"`
	InputData      schema.Value           `json:"input_data,omitempty"`
	OutputData     schema.Value           `json:"output_data,omitempty"`
	StepsTotal     int                    `json:"steps_total"`
	StepsCompleted int                    `json:"steps_completed"`
	StepsFailed    int                    `json:"steps_failed"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	DurationMs     int64                  `json:"duration_ms,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	ErrorStack     string                 `json:"error_stack,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// ExecutionLog is an immutable entry in an execution's log trail. Rows are
// never mutated after insert; Sequence is monotonically increasing per
// execution and assigned by the store on append.
type ExecutionLog struct {
	ID              int64             `json:"id"`
	ExecutionID     string            `json:"execution_id"`
	Sequence        int64             `json:"sequence"`
	Level           schema.LogLevel   `json:"level"`
	Message         string            `json:"message"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	StepKey         string            `json:"step_key,omitempty"`
	StepStatus      schema.StepStatus `json:"step_status,omitempty"`
	StepStartedAt   *time.Time        `json:"step_started_at,omitempty"`
	StepCompletedAt *time.Time        `json:"step_completed_at,omitempty"`
	StepDurationMs  int64             `json:"step_duration_ms,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status        *schema.WorkflowStatus `json:"status,omitempty"`
	UserID        string                 `json:"user_id,omitempty"`
	ScheduledOnly bool                   `json:"scheduled_only,omitempty"`
	Limit         int                    `json:"limit,omitempty"`
	Offset        int                    `json:"offset,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow record.
type WorkflowUpdate struct {
	Status        *schema.WorkflowStatus `json:"status,omitempty"`
	NextRunAt     *time.Time             `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time             `json:"last_run_at,omitempty"`
	LastRunStatus string                 `json:"last_run_status,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	UserID     string                  `json:"user_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution record.
// The scheduler goroutine owning the execution is the sole writer.
type ExecutionUpdate struct {
	Status         *schema.ExecutionStatus `json:"status,omitempty"`
	StartedAt      *time.Time              `json:"started_at,omitempty"`
	CompletedAt    *time.Time              `json:"completed_at,omitempty"`
	DurationMs     *int64                  `json:"duration_ms,omitempty"`
	StepsCompleted *int                    `json:"steps_completed,omitempty"`
	StepsFailed    *int                    `json:"steps_failed,omitempty"`
	OutputData     *schema.Value           `json:"output_data,omitempty"`
	ErrorMessage   *string                 `json:"error_message,omitempty"`
	ErrorStack     *string                 `json:"error_stack,omitempty"`
}

// LogFilter specifies criteria for listing execution logs.
type LogFilter struct {
	Level   *schema.LogLevel `json:"level,omitempty"`
	StepKey string           `json:"step_key,omitempty"`
	Limit   int              `json:"limit,omitempty"`
	Offset  int              `json:"offset,omitempty"`
}
