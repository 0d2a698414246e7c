// Package pgstore implements store.Store on PostgreSQL through database/sql
// with the pgx driver. Executions and step records live in two tables; step
// writes are upserts keyed by (execution_id, step_name), which makes every
// UpdateStep atomic regardless of how many completion notifications land
// around it.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dsa110/conductor/internal/execution"
	"github.com/dsa110/conductor/internal/store"
)

// DB is the subset of *sql.DB the store uses. Transactions satisfy it too.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	insertExecutionQuery = `INSERT INTO executions (
		execution_id,
		pipeline_name,
		status,
		started_at,
		completed_at
	) VALUES ($1,$2,$3,$4,$5)`

	upsertStepQuery = `INSERT INTO step_executions (
		execution_id,
		step_name,
		job_type,
		resolved_params,
		status,
		attempt,
		output,
		error_message
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (execution_id, step_name) DO UPDATE SET
		job_type = EXCLUDED.job_type,
		resolved_params = EXCLUDED.resolved_params,
		status = EXCLUDED.status,
		attempt = EXCLUDED.attempt,
		output = EXCLUDED.output,
		error_message = EXCLUDED.error_message`

	updateExecutionStatusQuery = `UPDATE executions
	 SET status = $2, completed_at = COALESCE($3, completed_at)
	 WHERE execution_id = $1`

	selectExecutionQuery = `SELECT execution_id, pipeline_name, status, started_at, completed_at
	 FROM executions
	 WHERE execution_id = $1`

	selectStepsQuery = `SELECT step_name, job_type, resolved_params, status, attempt, output, error_message
	 FROM step_executions
	 WHERE execution_id = $1
	 ORDER BY step_name ASC`

	listExecutionsQuery = `SELECT execution_id, pipeline_name, status, started_at, completed_at
	 FROM executions
	 WHERE pipeline_name = $1
	 ORDER BY started_at DESC, execution_id DESC
	 LIMIT $2 OFFSET $3`
)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	db DB
}

// New creates a Store over an opened database handle.
func New(db DB) *Store {
	return &Store{db: db}
}

// CreateExecution inserts the execution row and its initial step rows.
func (s *Store) CreateExecution(ctx context.Context, exec *execution.Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution and its id are required")
	}

	var completedAt sql.NullTime
	if exec.CompletedAt != nil {
		completedAt = sql.NullTime{Time: exec.CompletedAt.UTC(), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx, insertExecutionQuery,
		exec.ID,
		exec.PipelineName,
		string(exec.Status),
		exec.StartedAt.UTC(),
		completedAt,
	); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	for i := range exec.Steps {
		if err := s.UpdateStep(ctx, exec.ID, exec.Steps[i]); err != nil {
			return err
		}
	}
	return nil
}

// SetExecutionStatus updates the execution-level status. A nil completedAt
// leaves any previously written completion time in place.
func (s *Store) SetExecutionStatus(ctx context.Context, executionID string, status execution.Status, completedAt *time.Time) error {
	var completed sql.NullTime
	if completedAt != nil {
		completed = sql.NullTime{Time: completedAt.UTC(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, updateExecutionStatusQuery, executionID, string(status), completed)
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("execution %q: %w", executionID, store.ErrNotFound)
	}
	return nil
}

// UpdateStep upserts one step record keyed by (executionID, step name).
func (s *Store) UpdateStep(ctx context.Context, executionID string, step execution.StepExecution) error {
	if executionID == "" || step.StepName == "" {
		return fmt.Errorf("execution id and step name are required")
	}
	params, err := encodeMap(step.ResolvedParams)
	if err != nil {
		return fmt.Errorf("encode step params: %w", err)
	}
	output, err := encodeMap(step.Output)
	if err != nil {
		return fmt.Errorf("encode step output: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, upsertStepQuery,
		executionID,
		step.StepName,
		step.JobType,
		params,
		string(step.Status),
		step.Attempt,
		output,
		nullIfEmpty(step.Error),
	); err != nil {
		return fmt.Errorf("upsert step %q: %w", step.StepName, err)
	}
	return nil
}

// GetExecution loads one execution with its steps, or store.ErrNotFound.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*execution.Execution, error) {
	row := s.db.QueryRowContext(ctx, selectExecutionQuery, executionID)
	exec, err := scanExecution(row)
	if err != nil {
		return nil, err
	}
	exec.Steps, err = s.loadSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// ListExecutions returns executions of one pipeline, newest first, with
// their steps loaded. A limit of 0 means no limit.
func (s *Store) ListExecutions(ctx context.Context, pipelineName string, limit, offset int) ([]*execution.Execution, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, listExecutionsQuery, pipelineName, limitArg, offset)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	execs := make([]*execution.Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}

	for _, exec := range execs {
		exec.Steps, err = s.loadSteps(ctx, exec.ID)
		if err != nil {
			return nil, err
		}
	}
	return execs, nil
}

func (s *Store) loadSteps(ctx context.Context, executionID string) ([]execution.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, selectStepsQuery, executionID)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()

	steps := make([]execution.StepExecution, 0)
	for rows.Next() {
		var (
			step     execution.StepExecution
			params   []byte
			output   []byte
			errMsg   sql.NullString
			statusDB string
		)
		if err := rows.Scan(
			&step.StepName,
			&step.JobType,
			&params,
			&statusDB,
			&step.Attempt,
			&output,
			&errMsg,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Status = execution.Status(statusDB)
		step.Error = errMsg.String
		if step.ResolvedParams, err = decodeMap(params); err != nil {
			return nil, fmt.Errorf("decode step params: %w", err)
		}
		if step.Output, err = decodeMap(output); err != nil {
			return nil, fmt.Errorf("decode step output: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	return steps, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(scanner rowScanner) (*execution.Execution, error) {
	var (
		exec        execution.Execution
		statusDB    string
		completedAt sql.NullTime
	)
	if err := scanner.Scan(
		&exec.ID,
		&exec.PipelineName,
		&statusDB,
		&exec.StartedAt,
		&completedAt,
	); err != nil {
		return nil, handleNotFound(err)
	}
	exec.Status = execution.Status(statusDB)
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		exec.CompletedAt = &t
	}
	return &exec, nil
}

func encodeMap(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func decodeMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func handleNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}
