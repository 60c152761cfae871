package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/id"
)

// Publish inserts a new version and makes it the active one inside a
// single transaction.
func (s *Store) Publish(ctx context.Context, def *definition.Definition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("loom/postgres: publish begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	wfID := def.ID.String()
	if _, err := tx.Exec(ctx, `
		UPDATE loom_definitions SET status = 'inactive',
			payload = jsonb_set(payload, '{status}', '"inactive"')
		WHERE workflow_id = $1 AND status = 'active'
	`, wfID); err != nil {
		return fmt.Errorf("loom/postgres: demote active version: %w", err)
	}

	def.Status = definition.StatusActive
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("loom/postgres: marshal definition: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO loom_definitions (workflow_id, version, status, payload, created_at)
		VALUES ($1, $2, 'active', $3, $4)
		ON CONFLICT (workflow_id, version) DO NOTHING
	`, wfID, def.Version, payload, def.CreatedAt)
	if err != nil {
		return fmt.Errorf("loom/postgres: publish definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loom.ErrDefinitionExists
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("loom/postgres: publish commit: %w", err)
	}
	return nil
}

// Get retrieves one exact version.
func (s *Store) Get(ctx context.Context, workflowID id.WorkflowID, version int) (*definition.Definition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT status, payload FROM loom_definitions
		WHERE workflow_id = $1 AND version = $2
	`, workflowID.String(), version)
	return scanDefinition(row)
}

// GetActive retrieves the active version of a workflow.
func (s *Store) GetActive(ctx context.Context, workflowID id.WorkflowID) (*definition.Definition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT status, payload FROM loom_definitions
		WHERE workflow_id = $1 AND status = 'active'
	`, workflowID.String())
	def, err := scanDefinition(row)
	if errors.Is(err, loom.ErrDefinitionNotFound) {
		// Distinguish an unknown workflow from a fully deactivated one.
		var known bool
		if kErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM loom_definitions WHERE workflow_id = $1)`,
			workflowID.String(),
		).Scan(&known); kErr != nil {
			return nil, fmt.Errorf("loom/postgres: get active check known: %w", kErr)
		}
		if known {
			return nil, loom.ErrNoActiveVersion
		}
		return nil, loom.ErrDefinitionNotFound
	}
	return def, err
}

// ListActive returns the active version of every workflow that has one.
func (s *Store) ListActive(ctx context.Context) ([]*definition.Definition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, payload FROM loom_definitions
		WHERE status = 'active'
		ORDER BY workflow_id
	`)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list active: %w", err)
	}
	defer rows.Close()
	return collectDefinitions(rows)
}

// ListVersions returns all versions of a workflow, oldest first.
func (s *Store) ListVersions(ctx context.Context, workflowID id.WorkflowID) ([]*definition.Definition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, payload FROM loom_definitions
		WHERE workflow_id = $1
		ORDER BY version
	`, workflowID.String())
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list versions: %w", err)
	}
	defer rows.Close()

	defs, err := collectDefinitions(rows)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, loom.ErrDefinitionNotFound
	}
	return defs, nil
}

// Deactivate demotes the active version without a replacement.
func (s *Store) Deactivate(ctx context.Context, workflowID id.WorkflowID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_definitions SET status = 'inactive',
			payload = jsonb_set(payload, '{status}', '"inactive"')
		WHERE workflow_id = $1 AND status = 'active'
	`, workflowID.String())
	if err != nil {
		return fmt.Errorf("loom/postgres: deactivate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var known bool
		if kErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM loom_definitions WHERE workflow_id = $1)`,
			workflowID.String(),
		).Scan(&known); kErr != nil {
			return fmt.Errorf("loom/postgres: deactivate check known: %w", kErr)
		}
		if known {
			return loom.ErrNoActiveVersion
		}
		return loom.ErrDefinitionNotFound
	}
	return nil
}

// ── helpers ──

func scanDefinition(row pgx.Row) (*definition.Definition, error) {
	var status string
	var payload []byte
	if err := row.Scan(&status, &payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, loom.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("loom/postgres: scan definition: %w", err)
	}
	var def definition.Definition
	if err := json.Unmarshal(payload, &def); err != nil {
		return nil, fmt.Errorf("loom/postgres: unmarshal definition: %w", err)
	}
	// The column is authoritative for lifecycle status.
	def.Status = definition.Status(status)
	return &def, nil
}

func collectDefinitions(rows pgx.Rows) ([]*definition.Definition, error) {
	var out []*definition.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: iterate definitions: %w", err)
	}
	return out, nil
}
