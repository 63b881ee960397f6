package store

import (
	"context"

	"github.com/rendis/orquesta/pkg/schema"
)

// Store is the persistence boundary. Implementations must be safe for
// concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, upd WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// GetWorkflowSteps returns the normalized step definitions of a workflow
	// ordered by position.
	GetWorkflowSteps(ctx context.Context, workflowID string) ([]schema.StepDefinition, error)

	// RecordWorkflowRun bumps the workflow's run counters and last-run fields
	// for a finished execution.
	RecordWorkflowRun(ctx context.Context, workflowID string, outcome schema.ExecutionStatus) error

	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, upd ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Execution logs. AppendLog assigns the per-execution sequence number;
	// rows are append-only and ListLogs returns them in sequence order.
	AppendLog(ctx context.Context, entry *ExecutionLog) error
	ListLogs(ctx context.Context, executionID string, filter LogFilter) ([]*ExecutionLog, error)

	Migrate(ctx context.Context) error
	Close() error
}
