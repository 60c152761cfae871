package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/id"
)

// Publish stores a new version as a JSON payload and makes it the active
// one, demoting any previously active version.
func (s *Store) Publish(ctx context.Context, def *definition.Definition) error {
	wfID := def.ID.String()
	key := defKey(wfID, def.Version)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: publish check exists: %w", err)
	}
	if exists > 0 {
		return loom.ErrDefinitionExists
	}

	// Demote the previously active version before activating the new one.
	if prev, dErr := s.activeVersion(ctx, wfID); dErr == nil {
		if err := s.setStatus(ctx, wfID, prev, definition.StatusInactive); err != nil {
			return err
		}
	} else if !errors.Is(dErr, loom.ErrNoActiveVersion) {
		return dErr
	}

	def.Status = definition.StatusActive
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("loom/redis: marshal definition: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, payload, 0)
	pipe.ZAdd(ctx, defVersionsKey(wfID), goredis.Z{Score: float64(def.Version), Member: itoa(def.Version)})
	pipe.Set(ctx, defActiveKey(wfID), itoa(def.Version), 0)
	pipe.SAdd(ctx, workflowIDsKey, wfID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("loom/redis: publish definition: %w", err)
	}
	return nil
}

// Get retrieves one exact version.
func (s *Store) Get(ctx context.Context, workflowID id.WorkflowID, version int) (*definition.Definition, error) {
	return s.getDef(ctx, workflowID.String(), version)
}

// GetActive retrieves the active version of a workflow.
func (s *Store) GetActive(ctx context.Context, workflowID id.WorkflowID) (*definition.Definition, error) {
	wfID := workflowID.String()
	version, err := s.activeVersion(ctx, wfID)
	if err != nil {
		if errors.Is(err, loom.ErrNoActiveVersion) {
			// Distinguish an unknown workflow from a fully deactivated one.
			known, kErr := s.client.Exists(ctx, defVersionsKey(wfID)).Result()
			if kErr != nil {
				return nil, fmt.Errorf("loom/redis: get active check known: %w", kErr)
			}
			if known == 0 {
				return nil, loom.ErrDefinitionNotFound
			}
		}
		return nil, err
	}
	return s.getDef(ctx, wfID, version)
}

// ListActive returns the active version of every workflow that has one.
func (s *Store) ListActive(ctx context.Context) ([]*definition.Definition, error) {
	wfIDs, err := s.client.SMembers(ctx, workflowIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list active smembers: %w", err)
	}

	out := make([]*definition.Definition, 0, len(wfIDs))
	for _, wfID := range wfIDs {
		version, aErr := s.activeVersion(ctx, wfID)
		if errors.Is(aErr, loom.ErrNoActiveVersion) {
			continue
		}
		if aErr != nil {
			return nil, aErr
		}
		def, gErr := s.getDef(ctx, wfID, version)
		if gErr != nil {
			continue // deleted under us
		}
		out = append(out, def)
	}
	return out, nil
}

// ListVersions returns all versions of a workflow, oldest first.
func (s *Store) ListVersions(ctx context.Context, workflowID id.WorkflowID) ([]*definition.Definition, error) {
	wfID := workflowID.String()
	members, err := s.client.ZRange(ctx, defVersionsKey(wfID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list versions zrange: %w", err)
	}
	if len(members) == 0 {
		return nil, loom.ErrDefinitionNotFound
	}

	out := make([]*definition.Definition, 0, len(members))
	for _, member := range members {
		version, _ := strconv.Atoi(member) //nolint:errcheck // members are written as integers
		def, gErr := s.getDef(ctx, wfID, version)
		if gErr != nil {
			continue
		}
		out = append(out, def)
	}
	return out, nil
}

// Deactivate demotes the active version without a replacement.
func (s *Store) Deactivate(ctx context.Context, workflowID id.WorkflowID) error {
	wfID := workflowID.String()
	version, err := s.activeVersion(ctx, wfID)
	if err != nil {
		if errors.Is(err, loom.ErrNoActiveVersion) {
			known, kErr := s.client.Exists(ctx, defVersionsKey(wfID)).Result()
			if kErr != nil {
				return fmt.Errorf("loom/redis: deactivate check known: %w", kErr)
			}
			if known == 0 {
				return loom.ErrDefinitionNotFound
			}
		}
		return err
	}
	if err := s.setStatus(ctx, wfID, version, definition.StatusInactive); err != nil {
		return err
	}
	if err := s.client.Del(ctx, defActiveKey(wfID)).Err(); err != nil {
		return fmt.Errorf("loom/redis: deactivate: %w", err)
	}
	return nil
}

// ── helpers ──

func (s *Store) activeVersion(ctx context.Context, wfID string) (int, error) {
	val, err := s.client.Get(ctx, defActiveKey(wfID)).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, loom.ErrNoActiveVersion
	}
	if err != nil {
		return 0, fmt.Errorf("loom/redis: active version: %w", err)
	}
	version, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("loom/redis: active version %q: %w", val, err)
	}
	return version, nil
}

func (s *Store) getDef(ctx context.Context, wfID string, version int) (*definition.Definition, error) {
	payload, err := s.client.Get(ctx, defKey(wfID, version)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, loom.ErrDefinitionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loom/redis: get definition: %w", err)
	}
	var def definition.Definition
	if err := json.Unmarshal(payload, &def); err != nil {
		return nil, fmt.Errorf("loom/redis: unmarshal definition: %w", err)
	}
	return &def, nil
}

func (s *Store) setStatus(ctx context.Context, wfID string, version int, status definition.Status) error {
	def, err := s.getDef(ctx, wfID, version)
	if err != nil {
		return err
	}
	def.Status = status
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("loom/redis: marshal definition: %w", err)
	}
	if err := s.client.Set(ctx, defKey(wfID, version), payload, 0).Err(); err != nil {
		return fmt.Errorf("loom/redis: set definition status: %w", err)
	}
	return nil
}
