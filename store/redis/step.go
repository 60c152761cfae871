package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
)

// CreateStep stores an attempt record and appends it to the execution's
// creation-order index.
func (s *Store) CreateStep(ctx context.Context, st *execution.Step) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("loom/redis: marshal step: %w", err)
	}
	recID := st.ID.String()
	eID := st.ExecutionID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, stepsKey(eID), recID, payload)
	pipe.RPush(ctx, stepOrderKey(eID), recID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("loom/redis: create step: %w", err)
	}
	return nil
}

// UpdateStep overwrites an attempt record in place.
func (s *Store) UpdateStep(ctx context.Context, st *execution.Step) error {
	key := stepsKey(st.ExecutionID.String())
	recID := st.ID.String()

	exists, err := s.client.HExists(ctx, key, recID).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: update step exists: %w", err)
	}
	if !exists {
		return loom.ErrStepNotFound
	}

	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("loom/redis: marshal step: %w", err)
	}
	if err := s.client.HSet(ctx, key, recID, payload).Err(); err != nil {
		return fmt.Errorf("loom/redis: update step: %w", err)
	}
	return nil
}

// GetStep retrieves one attempt record. Records are keyed per execution,
// so this scans the execution index.
func (s *Store) GetStep(ctx context.Context, stepExecID id.StepExecID) (*execution.Step, error) {
	eIDs, err := s.client.ZRange(ctx, execIDsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: get step zrange: %w", err)
	}
	recID := stepExecID.String()
	for _, eID := range eIDs {
		payload, hErr := s.client.HGet(ctx, stepsKey(eID), recID).Bytes()
		if errors.Is(hErr, goredis.Nil) {
			continue
		}
		if hErr != nil {
			return nil, fmt.Errorf("loom/redis: get step: %w", hErr)
		}
		var st execution.Step
		if err := json.Unmarshal(payload, &st); err != nil {
			return nil, fmt.Errorf("loom/redis: unmarshal step: %w", err)
		}
		return &st, nil
	}
	return nil, loom.ErrStepNotFound
}

// ListSteps returns every attempt of an execution in creation order.
func (s *Store) ListSteps(ctx context.Context, executionID id.ExecutionID) ([]*execution.Step, error) {
	eID := executionID.String()
	recIDs, err := s.client.LRange(ctx, stepOrderKey(eID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list steps lrange: %w", err)
	}
	if len(recIDs) == 0 {
		return nil, nil
	}

	payloads, err := s.client.HMGet(ctx, stepsKey(eID), recIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list steps hmget: %w", err)
	}

	out := make([]*execution.Step, 0, len(payloads))
	for _, raw := range payloads {
		text, ok := raw.(string)
		if !ok {
			continue
		}
		var st execution.Step
		if err := json.Unmarshal([]byte(text), &st); err != nil {
			return nil, fmt.Errorf("loom/redis: unmarshal step: %w", err)
		}
		out = append(out, &st)
	}
	return out, nil
}

// AppendLog assigns the next per-execution sequence number and appends
// the entry.
func (s *Store) AppendLog(ctx context.Context, entry *execution.LogEntry) error {
	eID := entry.ExecutionID.String()
	seq, err := s.client.Incr(ctx, logSeqKey(eID)).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: log seq: %w", err)
	}
	entry.Seq = seq

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("loom/redis: marshal log entry: %w", err)
	}
	if err := s.client.RPush(ctx, logsKey(eID), payload).Err(); err != nil {
		return fmt.Errorf("loom/redis: append log: %w", err)
	}
	return nil
}

// ListLogs returns an execution's log in sequence order.
func (s *Store) ListLogs(ctx context.Context, executionID id.ExecutionID) ([]*execution.LogEntry, error) {
	payloads, err := s.client.LRange(ctx, logsKey(executionID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list logs lrange: %w", err)
	}
	out := make([]*execution.LogEntry, 0, len(payloads))
	for _, text := range payloads {
		var entry execution.LogEntry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			return nil, fmt.Errorf("loom/redis: unmarshal log entry: %w", err)
		}
		out = append(out, &entry)
	}
	return out, nil
}
