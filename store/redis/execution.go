package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
)

// casScript replaces the execution payload only when the stored revision
// matches the caller's. Running it server-side keeps the check-and-write
// atomic across concurrent workers.
//
// KEYS[1] = execution hash, ARGV[1] = expected revision,
// ARGV[2] = new payload, ARGV[3] = new revision.
// Returns 1 on success, 0 on a revision conflict, -1 when missing.
var casScript = goredis.NewScript(`
local rev = redis.call('HGET', KEYS[1], 'revision')
if not rev then return -1 end
if rev ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'data', ARGV[2], 'revision', ARGV[3])
return 1
`)

// CreateExecution stores the execution as a Hash and indexes it by
// creation time.
func (s *Store) CreateExecution(ctx context.Context, e *execution.Execution) error {
	eID := e.ID.String()
	key := execKey(eID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: create execution check exists: %w", err)
	}
	if exists > 0 {
		return loom.ErrExecutionExists
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("loom/redis: marshal execution: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, "data", payload, "revision", e.Revision)
	pipe.ZAdd(ctx, execIDsKey, goredis.Z{Score: float64(e.CreatedAt.UnixNano()), Member: eID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("loom/redis: create execution: %w", err)
	}
	return nil
}

// GetExecution retrieves one execution by ID.
func (s *Store) GetExecution(ctx context.Context, executionID id.ExecutionID) (*execution.Execution, error) {
	return s.getExec(ctx, executionID.String())
}

// UpdateExecution writes the execution when the stored revision matches,
// then increments e.Revision.
func (s *Store) UpdateExecution(ctx context.Context, e *execution.Execution) error {
	next := e.Clone()
	next.Revision = e.Revision + 1
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("loom/redis: marshal execution: %w", err)
	}

	res, err := casScript.Run(ctx, s.client,
		[]string{execKey(e.ID.String())},
		e.Revision, payload, next.Revision,
	).Int()
	if err != nil {
		return fmt.Errorf("loom/redis: update execution: %w", err)
	}
	switch res {
	case -1:
		return loom.ErrExecutionNotFound
	case 0:
		return loom.ErrRevisionConflict
	}
	e.Revision = next.Revision
	return nil
}

// ListExecutions returns executions matching the filter, newest first.
func (s *Store) ListExecutions(ctx context.Context, filter execution.ListFilter) ([]*execution.Execution, error) {
	eIDs, err := s.client.ZRevRange(ctx, execIDsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list executions zrevrange: %w", err)
	}

	var out []*execution.Execution
	for _, eID := range eIDs {
		e, gErr := s.getExec(ctx, eID)
		if gErr != nil {
			continue // purged under us
		}
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ListResumable returns every non-terminal execution, oldest first.
func (s *Store) ListResumable(ctx context.Context) ([]*execution.Execution, error) {
	return s.scan(ctx, func(e *execution.Execution) bool {
		return !e.Status.Terminal()
	})
}

// ListDue returns paused executions whose resume time or approval
// deadline has passed.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*execution.Execution, error) {
	return s.scan(ctx, func(e *execution.Execution) bool {
		if e.Status != execution.StatusPaused {
			return false
		}
		due := !e.ResumeAt.IsZero() && !e.ResumeAt.After(now)
		expired := !e.ApprovalDeadline.IsZero() && !e.ApprovalDeadline.After(now)
		return due || expired
	})
}

// CountActive returns the number of active executions of a workflow.
func (s *Store) CountActive(ctx context.Context, workflowID id.WorkflowID) (int, error) {
	matched, err := s.scan(ctx, func(e *execution.Execution) bool {
		return e.WorkflowID == workflowID && e.Status.Active()
	})
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// ListChildren returns executions spawned from the given parent.
func (s *Store) ListChildren(ctx context.Context, parentID id.ExecutionID) ([]*execution.Execution, error) {
	return s.scan(ctx, func(e *execution.Execution) bool {
		return e.ParentExecutionID == parentID
	})
}

// PurgeTerminalBefore deletes terminal executions finished before the
// cutoff along with their steps and logs.
func (s *Store) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	victims, err := s.scan(ctx, func(e *execution.Execution) bool {
		return e.Status.Terminal() && !e.FinishedAt.IsZero() && e.FinishedAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}

	for _, e := range victims {
		eID := e.ID.String()
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, execKey(eID), stepsKey(eID), stepOrderKey(eID), logsKey(eID), logSeqKey(eID))
		pipe.ZRem(ctx, execIDsKey, eID)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("loom/redis: purge execution: %w", err)
		}
	}
	return len(victims), nil
}

// ── helpers ──

func (s *Store) getExec(ctx context.Context, eID string) (*execution.Execution, error) {
	payload, err := s.client.HGet(ctx, execKey(eID), "data").Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, loom.ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loom/redis: get execution: %w", err)
	}
	var e execution.Execution
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("loom/redis: unmarshal execution: %w", err)
	}
	return &e, nil
}

// scan walks all executions oldest first and keeps those the predicate
// accepts.
func (s *Store) scan(ctx context.Context, keep func(*execution.Execution) bool) ([]*execution.Execution, error) {
	eIDs, err := s.client.ZRange(ctx, execIDsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: scan executions zrange: %w", err)
	}
	var out []*execution.Execution
	for _, eID := range eIDs {
		e, gErr := s.getExec(ctx, eID)
		if gErr != nil {
			continue
		}
		if keep(e) {
			out = append(out, e)
		}
	}
	return out, nil
}
