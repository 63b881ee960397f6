package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/orquesta/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	var scheduleJSON any
	if wf.Schedule != nil {
		b, err := json.Marshal(wf.Schedule)
		if err != nil {
			return fmt.Errorf("marshal schedule: %w", err)
		}
		scheduleJSON = string(b)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, user_id, name, status, definition, schedule, next_run_at, last_run_at, last_run_status, runs_total, runs_succeeded, runs_failed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.UserID, wf.Name, string(wf.Status), string(def), scheduleJSON,
		nullTime(wf.NextRunAt), nullTime(wf.LastRunAt), nullStr(wf.LastRunStatus),
		wf.RunsTotal, wf.RunsSucceeded, wf.RunsFailed,
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

const workflowColumns = `id, user_id, name, status, definition, schedule, next_run_at, last_run_at, last_run_status, runs_total, runs_succeeded, runs_failed, created_at, updated_at`

func scanWorkflow(row interface{ Scan(...any) error }) (*Workflow, error) {
	wf := &Workflow{}
	var (
		status, defJSON          string
		scheduleJSON, lastStatus sql.NullString
		nextRunAt, lastRunAt     sql.NullTime
	)
	if err := row.Scan(&wf.ID, &wf.UserID, &wf.Name, &status, &defJSON, &scheduleJSON,
		&nextRunAt, &lastRunAt, &lastStatus,
		&wf.RunsTotal, &wf.RunsSucceeded, &wf.RunsFailed,
		&wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if scheduleJSON.Valid && scheduleJSON.String != "" {
		sc := &schema.ScheduleConfig{}
		if err := json.Unmarshal([]byte(scheduleJSON.String), sc); err != nil {
			return nil, fmt.Errorf("unmarshal schedule: %w", err)
		}
		wf.Schedule = sc
	}
	wf.LastRunStatus = lastStatus.String
	if nextRunAt.Valid {
		wf.NextRunAt = &nextRunAt.Time
	}
	if lastRunAt.Valid {
		wf.LastRunAt = &lastRunAt.Time
	}
	return wf, nil
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.ScheduledOnly {
		where = append(where, "schedule IS NOT NULL")
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) GetWorkflowSteps(ctx context.Context, workflowID string) ([]schema.StepDefinition, error) {
	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	wf.Definition.Normalize()
	return wf.Definition.Steps, nil
}

func (s *LibSQLStore) RecordWorkflowRun(ctx context.Context, workflowID string, outcome schema.ExecutionStatus) error {
	var succeeded, failed int
	switch outcome {
	case schema.ExecutionStatusCompleted:
		succeeded = 1
	case schema.ExecutionStatusFailed:
		failed = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET runs_total = runs_total + 1,
		   runs_succeeded = runs_succeeded + ?, runs_failed = runs_failed + ?,
		   last_run_at = CURRENT_TIMESTAMP, last_run_status = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		succeeded, failed, string(outcome), workflowID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", workflowID)
}

// --- Executions ---

const executionColumns = `id, workflow_id, user_id, status, trigger_type, input_data, output_data, steps_total, steps_completed, steps_failed, started_at, completed_at, duration_ms, error_message, error_stack, created_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	input, err := valueJSON(exec.InputData)
	if err != nil {
		return fmt.Errorf("marshal input_data: %w", err)
	}
	output, err := valueJSON(exec.OutputData)
	if err != nil {
		return fmt.Errorf("marshal output_data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, exec.UserID, string(exec.Status), string(exec.TriggerType),
		input, output, exec.StepsTotal, exec.StepsCompleted, exec.StepsFailed,
		nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.DurationMs,
		nullStr(exec.ErrorMessage), nullStr(exec.ErrorStack), timeOrNow(exec.CreatedAt),
	)
	return err
}

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	e := &Execution{}
	var (
		status, trigger        string
		input, output          sql.NullString
		startedAt, completedAt sql.NullTime
		errMsg, errStack       sql.NullString
	)
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.UserID, &status, &trigger,
		&input, &output, &e.StepsTotal, &e.StepsCompleted, &e.StepsFailed,
		&startedAt, &completedAt, &e.DurationMs, &errMsg, &errStack, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Status = schema.ExecutionStatus(status)
	e.TriggerType = schema.TriggerType(trigger)
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &e.InputData); err != nil {
			return nil, fmt.Errorf("unmarshal input_data: %w", err)
		}
	}
	if output.Valid && output.String != "" {
		if err := json.Unmarshal([]byte(output.String), &e.OutputData); err != nil {
			return nil, fmt.Errorf("unmarshal output_data: %w", err)
		}
	}
	e.ErrorMessage = errMsg.String
	e.ErrorStack = errStack.String
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if update.StepsCompleted != nil {
		sets = append(sets, "steps_completed = ?")
		args = append(args, *update.StepsCompleted)
	}
	if update.StepsFailed != nil {
		sets = append(sets, "steps_failed = ?")
		args = append(args, *update.StepsFailed)
	}
	if update.OutputData != nil {
		b, err := json.Marshal(update.OutputData)
		if err != nil {
			return fmt.Errorf("marshal output_data: %w", err)
		}
		sets = append(sets, "output_data = ?")
		args = append(args, string(b))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.ErrorStack != nil {
		sets = append(sets, "error_stack = ?")
		args = append(args, *update.ErrorStack)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// --- Execution logs ---

// AppendLog inserts a log entry, assigning the next sequence number for the
// execution in the same transaction as the insert. Appends serialize on the
// pool's single connection, so two appenders never read the same MAX(sequence).
func (s *LibSQLStore) AppendLog(ctx context.Context, entry *ExecutionLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_logs WHERE execution_id = ?`, entry.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	entry.Sequence = seq

	var metadata any
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = string(b)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO execution_logs (execution_id, sequence, level, message, metadata, step_key, step_status, step_started_at, step_completed_at, step_duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, seq, string(entry.Level), entry.Message, metadata,
		nullStr(entry.StepKey), nullStr(string(entry.StepStatus)),
		nullTime(entry.StepStartedAt), nullTime(entry.StepCompletedAt),
		entry.StepDurationMs, timeOrNow(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		entry.ID = 0
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListLogs(ctx context.Context, executionID string, filter LogFilter) ([]*ExecutionLog, error) {
	var where []string
	var args []any

	where = append(where, "execution_id = ?")
	args = append(args, executionID)

	if filter.Level != nil {
		where = append(where, "level = ?")
		args = append(args, string(*filter.Level))
	}
	if filter.StepKey != "" {
		where = append(where, "step_key = ?")
		args = append(args, filter.StepKey)
	}

	query := `SELECT id, execution_id, sequence, level, message, metadata, step_key, step_status, step_started_at, step_completed_at, step_duration_ms, created_at FROM execution_logs`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY sequence ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*ExecutionLog
	for rows.Next() {
		l := &ExecutionLog{}
		var (
			level                    string
			metadata                 sql.NullString
			stepKey, stepStatus      sql.NullString
			stepStarted, stepDone    sql.NullTime
		)
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Sequence, &level, &l.Message, &metadata,
			&stepKey, &stepStatus, &stepStarted, &stepDone, &l.StepDurationMs, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Level = schema.LogLevel(level)
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &l.Metadata)
		}
		l.StepKey = stepKey.String
		l.StepStatus = schema.StepStatus(stepStatus.String)
		if stepStarted.Valid {
			l.StepStartedAt = &stepStarted.Time
		}
		if stepDone.Valid {
			l.StepCompletedAt = &stepDone.Time
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.OrquestaError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// valueJSON serializes a Value, mapping null values to SQL NULL.
func valueJSON(v schema.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
