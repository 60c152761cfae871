package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
)

// CreateStep inserts an attempt record; the serial seq column preserves
// creation order.
func (s *Store) CreateStep(ctx context.Context, st *execution.Step) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("loom/postgres: marshal step: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO loom_steps (id, execution_id, payload) VALUES ($1, $2, $3)
	`, st.ID.String(), st.ExecutionID.String(), payload); err != nil {
		return fmt.Errorf("loom/postgres: create step: %w", err)
	}
	return nil
}

// UpdateStep overwrites an attempt record by ID.
func (s *Store) UpdateStep(ctx context.Context, st *execution.Step) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("loom/postgres: marshal step: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE loom_steps SET payload = $2 WHERE id = $1`,
		st.ID.String(), payload)
	if err != nil {
		return fmt.Errorf("loom/postgres: update step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loom.ErrStepNotFound
	}
	return nil
}

// GetStep retrieves one attempt record by ID.
func (s *Store) GetStep(ctx context.Context, stepExecID id.StepExecID) (*execution.Step, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM loom_steps WHERE id = $1`, stepExecID.String(),
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, loom.ErrStepNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: get step: %w", err)
	}
	var st execution.Step
	if err := json.Unmarshal(payload, &st); err != nil {
		return nil, fmt.Errorf("loom/postgres: unmarshal step: %w", err)
	}
	return &st, nil
}

// ListSteps returns every attempt of an execution in creation order.
func (s *Store) ListSteps(ctx context.Context, executionID id.ExecutionID) ([]*execution.Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM loom_steps
		WHERE execution_id = $1
		ORDER BY seq
	`, executionID.String())
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list steps: %w", err)
	}
	defer rows.Close()

	var out []*execution.Step
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("loom/postgres: scan step: %w", err)
		}
		var st execution.Step
		if err := json.Unmarshal(payload, &st); err != nil {
			return nil, fmt.Errorf("loom/postgres: unmarshal step: %w", err)
		}
		out = append(out, &st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: iterate steps: %w", err)
	}
	return out, nil
}

// AppendLog assigns the next per-execution sequence number and inserts
// the entry. The orchestrator is the only log writer for an execution
// (the worker claim protocol guarantees that), so the max-plus-one is
// race free in practice.
func (s *Store) AppendLog(ctx context.Context, entry *execution.LogEntry) error {
	eID := entry.ExecutionID.String()
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM loom_logs WHERE execution_id = $1`,
		eID,
	).Scan(&entry.Seq)
	if err != nil {
		return fmt.Errorf("loom/postgres: log seq: %w", err)
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("loom/postgres: marshal log entry: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO loom_logs (execution_id, seq, payload) VALUES ($1, $2, $3)
	`, eID, entry.Seq, payload); err != nil {
		return fmt.Errorf("loom/postgres: append log: %w", err)
	}
	return nil
}

// ListLogs returns an execution's log in sequence order.
func (s *Store) ListLogs(ctx context.Context, executionID id.ExecutionID) ([]*execution.LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM loom_logs
		WHERE execution_id = $1
		ORDER BY seq
	`, executionID.String())
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list logs: %w", err)
	}
	defer rows.Close()

	var out []*execution.LogEntry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("loom/postgres: scan log entry: %w", err)
		}
		var entry execution.LogEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("loom/postgres: unmarshal log entry: %w", err)
		}
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: iterate logs: %w", err)
	}
	return out, nil
}
