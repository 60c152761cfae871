package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
)

// CreateExecution inserts a new execution row.
func (s *Store) CreateExecution(ctx context.Context, e *execution.Execution) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("loom/postgres: marshal execution: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO loom_executions
			(id, workflow_id, status, revision, parent_id, resume_at, approval_deadline, finished_at, created_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, e.ID.String(), e.WorkflowID.String(), string(e.Status), e.Revision,
		nullID(e.ParentExecutionID), nullTime(e.ResumeAt), nullTime(e.ApprovalDeadline),
		nullTime(e.FinishedAt), e.CreatedAt, payload)
	if err != nil {
		return fmt.Errorf("loom/postgres: create execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loom.ErrExecutionExists
	}
	return nil
}

// GetExecution retrieves one execution by ID.
func (s *Store) GetExecution(ctx context.Context, executionID id.ExecutionID) (*execution.Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT payload FROM loom_executions WHERE id = $1`, executionID.String())
	return scanExecution(row)
}

// UpdateExecution writes the execution guarded by the stored revision,
// then increments e.Revision. The filter columns are kept in sync with
// the payload on every write.
func (s *Store) UpdateExecution(ctx context.Context, e *execution.Execution) error {
	next := e.Clone()
	next.Revision = e.Revision + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("loom/postgres: marshal execution: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_executions
		SET payload = $3, revision = $4, status = $5,
			resume_at = $6, approval_deadline = $7, finished_at = $8
		WHERE id = $1 AND revision = $2
	`, e.ID.String(), e.Revision, payload, next.Revision, string(next.Status),
		nullTime(next.ResumeAt), nullTime(next.ApprovalDeadline), nullTime(next.FinishedAt))
	if err != nil {
		return fmt.Errorf("loom/postgres: update execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if kErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM loom_executions WHERE id = $1)`, e.ID.String(),
		).Scan(&exists); kErr != nil {
			return fmt.Errorf("loom/postgres: update check exists: %w", kErr)
		}
		if !exists {
			return loom.ErrExecutionNotFound
		}
		return loom.ErrRevisionConflict
	}
	e.Revision = next.Revision
	return nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter execution.ListFilter) ([]*execution.Execution, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.WorkflowID.IsNil() {
		conds = append(conds, "workflow_id = "+arg(filter.WorkflowID.String()))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		conds = append(conds, "status = ANY("+arg(statuses)+")")
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "created_at >= "+arg(filter.Since))
	}

	query := `SELECT payload FROM loom_executions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list executions: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// ListResumable returns every non-terminal execution, oldest first.
func (s *Store) ListResumable(ctx context.Context) ([]*execution.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM loom_executions
		WHERE status IN ('queued', 'running', 'paused')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list resumable: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// ListDue returns paused executions whose resume time or approval
// deadline has passed.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*execution.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM loom_executions
		WHERE status = 'paused'
		  AND (resume_at <= $1 OR approval_deadline <= $1)
		ORDER BY created_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list due: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// CountActive returns the number of active executions of a workflow.
func (s *Store) CountActive(ctx context.Context, workflowID id.WorkflowID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM loom_executions
		WHERE workflow_id = $1 AND status IN ('queued', 'running', 'paused')
	`, workflowID.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("loom/postgres: count active: %w", err)
	}
	return count, nil
}

// ListChildren returns executions spawned from the given parent.
func (s *Store) ListChildren(ctx context.Context, parentID id.ExecutionID) ([]*execution.Execution, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM loom_executions
		WHERE parent_id = $1
		ORDER BY created_at
	`, parentID.String())
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list children: %w", err)
	}
	defer rows.Close()
	return collectExecutions(rows)
}

// PurgeTerminalBefore deletes terminal executions finished before the
// cutoff along with their steps and logs.
func (s *Store) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("loom/postgres: purge begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	rows, err := tx.Query(ctx, `
		DELETE FROM loom_executions
		WHERE status IN ('success', 'failed', 'timeout', 'cancelled')
		  AND finished_at IS NOT NULL AND finished_at < $1
		RETURNING id
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("loom/postgres: purge executions: %w", err)
	}
	victims, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, fmt.Errorf("loom/postgres: purge collect: %w", err)
	}
	if len(victims) == 0 {
		return 0, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM loom_steps WHERE execution_id = ANY($1)`, victims); err != nil {
		return 0, fmt.Errorf("loom/postgres: purge steps: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM loom_logs WHERE execution_id = ANY($1)`, victims); err != nil {
		return 0, fmt.Errorf("loom/postgres: purge logs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("loom/postgres: purge commit: %w", err)
	}
	return len(victims), nil
}

// ── helpers ──

func scanExecution(row pgx.Row) (*execution.Execution, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, loom.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("loom/postgres: scan execution: %w", err)
	}
	var e execution.Execution
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("loom/postgres: unmarshal execution: %w", err)
	}
	return &e, nil
}

func collectExecutions(rows pgx.Rows) ([]*execution.Execution, error) {
	var out []*execution.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: iterate executions: %w", err)
	}
	return out, nil
}

// nullTime maps zero times to NULL so partial indexes and range
// comparisons behave.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// nullID maps nil IDs to NULL.
func nullID(v id.ExecutionID) *string {
	if v.IsNil() {
		return nil
	}
	s := v.String()
	return &s
}
