package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/orquesta/internal/store"
	"github.com/rendis/orquesta/pkg/schema"
)

// handleDefine registers a workflow definition after validating it.
func (s *OrquestaServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Marshal then unmarshal the definition to get a proper WorkflowDefinition.
	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.WorkflowDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}
	def.Normalize()

	result := s.validator.Validate(&def)
	if !result.Valid() {
		return marshalResult(map[string]any{
			"accepted": false,
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
	}

	status := schema.WorkflowStatus(req.GetString("status", string(schema.WorkflowStatusDraft)))
	if status != schema.WorkflowStatusDraft && status != schema.WorkflowStatusActive {
		return mcp.NewToolResultError(fmt.Sprintf("invalid status: %s", status)), nil
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:         uuid.NewString(),
		UserID:     userID,
		Name:       name,
		Status:     status,
		Definition: def,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if schedRaw := mcp.ParseStringMap(req, "schedule", nil); schedRaw != nil {
		sched, nextRun, schedErr := s.parseSchedule(schedRaw, now)
		if schedErr != nil {
			return mcp.NewToolResultError(schedErr.Error()), nil
		}
		wf.Schedule = sched
		wf.NextRunAt = nextRun
	}

	if createErr := s.store.CreateWorkflow(ctx, wf); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create workflow: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"accepted":    true,
		"workflow_id": wf.ID,
		"status":      wf.Status,
		"steps_total": len(def.Steps),
		"warnings":    result.Warnings,
	})
}

// handleStart launches an execution of an active workflow.
func (s *OrquestaServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	input := schema.Null()
	if raw := mcp.ParseStringMap(req, "input", nil); raw != nil {
		v, convErr := schema.FromAny(raw)
		if convErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid input: %v", convErr)), nil
		}
		input = v
	}

	execID, startErr := s.engine.StartExecution(ctx, workflowID, userID, schema.TriggerManual, input)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start execution: %v", startErr)), nil
	}

	return marshalResult(map[string]any{
		"execution_id": execID,
		"workflow_id":  workflowID,
		"status":       schema.ExecutionStatusPending,
	})
}

// handleCancel requests cancellation of an execution.
func (s *OrquestaServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	if cancelErr := s.engine.CancelExecution(ctx, executionID, userID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
	})
}

// handleStatus returns the current state of an execution.
func (s *OrquestaServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	exec, getErr := s.engine.GetExecution(ctx, executionID, userID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}

	return marshalResult(exec)
}

// handleLogs returns the execution's log trail in sequence order.
func (s *OrquestaServer) handleLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)
	lf := store.LogFilter{
		Limit:  extractInt(filter, "limit", 100),
		Offset: extractInt(filter, "offset", 0),
	}
	if level, ok := filter["level"].(string); ok && level != "" {
		lv := schema.LogLevel(level)
		lf.Level = &lv
	}
	if stepKey, ok := filter["step_key"].(string); ok {
		lf.StepKey = stepKey
	}

	logs, listErr := s.engine.ListLogs(ctx, executionID, userID, lf)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("log query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"logs": logs})
}

// handleWorkflows lists the user's workflows.
func (s *OrquestaServer) handleWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)
	wf := store.WorkflowFilter{
		UserID: userID,
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ws := schema.WorkflowStatus(status)
		wf.Status = &ws
	}
	if scheduled, ok := filter["scheduled_only"].(bool); ok {
		wf.ScheduledOnly = scheduled
	}

	workflows, listErr := s.store.ListWorkflows(ctx, wf)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

// --- Internal helpers ---

// parseSchedule decodes a schedule object and computes its first fire time.
func (s *OrquestaServer) parseSchedule(raw map[string]any, now time.Time) (*schema.ScheduleConfig, *time.Time, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid schedule: %w", err)
	}
	var sched schema.ScheduleConfig
	if err := json.Unmarshal(data, &sched); err != nil {
		return nil, nil, fmt.Errorf("invalid schedule: %w", err)
	}
	if sched.CronExpression == "" {
		return nil, nil, fmt.Errorf("schedule requires cron_expression")
	}
	if s.schedules == nil {
		return nil, nil, fmt.Errorf("scheduling is not enabled")
	}
	nextRun, err := s.schedules.CalculateNextRun(sched.CronExpression, now)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cron expression %q: %w", sched.CronExpression, err)
	}
	if !sched.Enabled {
		return &sched, nil, nil
	}
	return &sched, &nextRun, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
