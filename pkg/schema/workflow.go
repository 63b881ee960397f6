package schema

// WorkflowDefinition is the JSON-serializable workflow format: an ordered
// list of step definitions plus free-form metadata. The step order is the
// declaration order; each step's Position is derived from it when the
// definition is normalized.
type WorkflowDefinition struct {
	Steps    []StepDefinition `json:"steps"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	StepKey      string            `json:"step_key"`
	StepName     string            `json:"step_name,omitempty"`
	Type         StepType          `json:"type,omitempty"`       // default: agent
	Position     int               `json:"position"`             // declaration order, tie-break only
	AgentID      string            `json:"agent_id,omitempty"`   // agent that performs the work
	Config       Value             `json:"config,omitempty"`     // opaque agent configuration
	Inputs       Value             `json:"inputs,omitempty"`     // input template, may contain ${{...}} references
	Outputs      map[string]string `json:"outputs,omitempty"`    // output name -> jq filter over raw agent output
	DependsOn    []string          `json:"depends_on,omitempty"` // step keys that must reach a terminal state first
	Condition    string            `json:"condition,omitempty"`  // CEL guard; false skips the step
	RetryCount   int               `json:"retry_count,omitempty"`
	RetryDelayMs int64             `json:"retry_delay_ms,omitempty"`
	TimeoutMs    int64             `json:"timeout_ms,omitempty"` // per-attempt budget; 0 = no deadline
	OnError      OnErrorPolicy     `json:"on_error,omitempty"`   // default: fail
}

// MaxAttempts returns the total attempt budget for the step.
func (s *StepDefinition) MaxAttempts() int {
	if s.RetryCount < 0 {
		return 1
	}
	return s.RetryCount + 1
}

// Normalize fills derived and defaulted fields: positions from declaration
// order, step type, and onError policy.
func (d *WorkflowDefinition) Normalize() {
	for i := range d.Steps {
		step := &d.Steps[i]
		step.Position = i
		if step.Type == "" {
			step.Type = StepTypeAgent
		}
		if step.OnError == "" {
			step.OnError = OnErrorFail
		}
	}
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeAgent StepType = "agent"
)

// OnErrorPolicy governs what an exhausted-retry step failure does to the
// rest of the execution.
type OnErrorPolicy string

const (
	// OnErrorFail aborts the whole execution.
	OnErrorFail OnErrorPolicy = "fail"
	// OnErrorContinue marks only the failed step's branch dead and keeps
	// scheduling independent branches.
	OnErrorContinue OnErrorPolicy = "continue"
)

// WorkflowStatus is the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// TriggerType identifies what started an execution.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerSchedule TriggerType = "schedule"
	TriggerWebhook  TriggerType = "webhook"
)

// ScheduleConfig configures cron-driven execution of a workflow.
type ScheduleConfig struct {
	CronExpression string `json:"cron_expression"`
	Enabled        bool   `json:"enabled"`
}
