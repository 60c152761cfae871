// Package memory provides the in-memory store backend. It implements
// every store interface behind one mutex and is the default for tests
// and single-process embedding. State does not survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
)

// Store is the in-memory composite backend.
type Store struct {
	mu     sync.RWMutex
	closed bool

	definitions map[string]map[int]*definition.Definition
	active      map[string]int

	executions map[string]*execution.Execution
	execOrder  []string

	steps       map[string]*execution.Step
	stepsByExec map[string][]string

	logs   map[string][]*execution.LogEntry
	logSeq map[string]int64
}

var (
	_ definition.Store = (*Store)(nil)
	_ execution.Store  = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		definitions: make(map[string]map[int]*definition.Definition),
		active:      make(map[string]int),
		executions:  make(map[string]*execution.Execution),
		steps:       make(map[string]*execution.Step),
		stepsByExec: make(map[string][]string),
		logs:        make(map[string][]*execution.LogEntry),
		logSeq:      make(map[string]int64),
	}
}

// Close marks the store closed; further calls fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// definition.Store
// ──────────────────────────────────────────────────

func (s *Store) Publish(ctx context.Context, def *definition.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return loom.ErrStoreClosed
	}

	key := def.ID.String()
	versions, ok := s.definitions[key]
	if !ok {
		versions = make(map[int]*definition.Definition)
		s.definitions[key] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return loom.ErrDefinitionExists
	}

	if prev, ok := s.active[key]; ok {
		versions[prev].Status = definition.StatusInactive
	}
	def.Status = definition.StatusActive
	versions[def.Version] = def
	s.active[key] = def.Version
	return nil
}

func (s *Store) Get(ctx context.Context, workflowID id.WorkflowID, version int) (*definition.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, loom.ErrStoreClosed
	}

	def, ok := s.definitions[workflowID.String()][version]
	if !ok {
		return nil, loom.ErrDefinitionNotFound
	}
	return def, nil
}

func (s *Store) GetActive(ctx context.Context, workflowID id.WorkflowID) (*definition.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, loom.ErrStoreClosed
	}

	key := workflowID.String()
	if _, known := s.definitions[key]; !known {
		return nil, loom.ErrDefinitionNotFound
	}
	version, ok := s.active[key]
	if !ok {
		return nil, loom.ErrNoActiveVersion
	}
	return s.definitions[key][version], nil
}

func (s *Store) ListActive(ctx context.Context) ([]*definition.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, loom.ErrStoreClosed
	}

	out := make([]*definition.Definition, 0, len(s.active))
	for key, version := range s.active {
		out = append(out, s.definitions[key][version])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (s *Store) ListVersions(ctx context.Context, workflowID id.WorkflowID) ([]*definition.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, loom.ErrStoreClosed
	}

	versions, ok := s.definitions[workflowID.String()]
	if !ok {
		return nil, loom.ErrDefinitionNotFound
	}
	out := make([]*definition.Definition, 0, len(versions))
	for _, def := range versions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *Store) Deactivate(ctx context.Context, workflowID id.WorkflowID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return loom.ErrStoreClosed
	}

	key := workflowID.String()
	if _, known := s.definitions[key]; !known {
		return loom.ErrDefinitionNotFound
	}
	version, ok := s.active[key]
	if !ok {
		return loom.ErrNoActiveVersion
	}
	s.definitions[key][version].Status = definition.StatusInactive
	delete(s.active, key)
	return nil
}

// ──────────────────────────────────────────────────
// execution.Store
// ──────────────────────────────────────────────────

func (s *Store) CreateExecution(ctx context.Context, e *execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return loom.ErrStoreClosed
	}

	key := e.ID.String()
	if _, exists := s.executions[key]; exists {
		return loom.ErrExecutionExists
	}
	s.executions[key] = e.Clone()
	s.execOrder = append(s.execOrder, key)
	return nil
}

func (s *Store) GetExecution(ctx context.Context, executionID id.ExecutionID) (*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, loom.ErrStoreClosed
	}

	e, ok := s.executions[executionID.String()]
	if !ok {
		return nil, loom.ErrExecutionNotFound
	}
	return e.Clone(), nil
}

func (s *Store) UpdateExecution(ctx context.Context, e *execution.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return loom.ErrStoreClosed
	}

	key := e.ID.String()
	stored, ok := s.executions[key]
	if !ok {
		return loom.ErrExecutionNotFound
	}
	if stored.Revision != e.Revision {
		return loom.ErrRevisionConflict
	}
	e.Revision++
	s.executions[key] = e.Clone()
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, filter execution.ListFilter) ([]*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, loom.ErrStoreClosed
	}

	var out []*execution.Execution
	// Newest first.
	for i := len(s.execOrder) - 1; i >= 0; i-- {
		e := s.executions[s.execOrder[i]]
		if !filter.Matches(e) {
			continue
		}
		out = append(out, e.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListResumable(ctx context.Context) ([]*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, loom.ErrStoreClosed
	}

	var out []*execution.Execution
	for _, key := range s.execOrder {
		e := s.executions[key]
		if !e.Status.Terminal() {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, loom.ErrStoreClosed
	}

	var out []*execution.Execution
	for _, key := range s.execOrder {
		e := s.executions[key]
		if e.Status != execution.StatusPaused {
			continue
		}
		due := !e.ResumeAt.IsZero() && !e.ResumeAt.After(now)
		expired := !e.ApprovalDeadline.IsZero() && !e.ApprovalDeadline.After(now)
		if due || expired {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (s *Store) CountActive(ctx context.Context, workflowID id.WorkflowID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, loom.ErrStoreClosed
	}

	count := 0
	for _, e := range s.executions {
		if e.WorkflowID == workflowID && e.Status.Active() {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListChildren(ctx context.Context, parentID id.ExecutionID) ([]*execution.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, loom.ErrStoreClosed
	}

	var out []*execution.Execution
	for _, key := range s.execOrder {
		e := s.executions[key]
		if e.ParentExecutionID == parentID {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (s *Store) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, loom.ErrStoreClosed
	}

	purged := 0
	kept := s.execOrder[:0]
	for _, key := range s.execOrder {
		e := s.executions[key]
		if e.Status.Terminal() && !e.FinishedAt.IsZero() && e.FinishedAt.Before(cutoff) {
			for _, stepKey := range s.stepsByExec[key] {
				delete(s.steps, stepKey)
			}
			delete(s.stepsByExec, key)
			delete(s.logs, key)
			delete(s.logSeq, key)
			delete(s.executions, key)
			purged++
			continue
		}
		kept = append(kept, key)
	}
	s.execOrder = kept
	return purged, nil
}

// ──────────────────────────────────────────────────
// execution.StepStore
// ──────────────────────────────────────────────────

func (s *Store) CreateStep(ctx context.Context, st *execution.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return loom.ErrStoreClosed
	}

	key := st.ID.String()
	copied := *st
	s.steps[key] = &copied
	execKey := st.ExecutionID.String()
	s.stepsByExec[execKey] = append(s.stepsByExec[execKey], key)
	return nil
}

func (s *Store) UpdateStep(ctx context.Context, st *execution.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return loom.ErrStoreClosed
	}

	key := st.ID.String()
	if _, ok := s.steps[key]; !ok {
		return loom.ErrStepNotFound
	}
	copied := *st
	s.steps[key] = &copied
	return nil
}

func (s *Store) GetStep(ctx context.Context, stepExecID id.StepExecID) (*execution.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, loom.ErrStoreClosed
	}

	st, ok := s.steps[stepExecID.String()]
	if !ok {
		return nil, loom.ErrStepNotFound
	}
	copied := *st
	return &copied, nil
}

func (s *Store) ListSteps(ctx context.Context, executionID id.ExecutionID) ([]*execution.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, loom.ErrStoreClosed
	}

	keys := s.stepsByExec[executionID.String()]
	out := make([]*execution.Step, 0, len(keys))
	for _, key := range keys {
		copied := *s.steps[key]
		out = append(out, &copied)
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// execution.LogStore
// ──────────────────────────────────────────────────

func (s *Store) AppendLog(ctx context.Context, entry *execution.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return loom.ErrStoreClosed
	}

	key := entry.ExecutionID.String()
	s.logSeq[key]++
	entry.Seq = s.logSeq[key]
	copied := *entry
	s.logs[key] = append(s.logs[key], &copied)
	return nil
}

func (s *Store) ListLogs(ctx context.Context, executionID id.ExecutionID) ([]*execution.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, loom.ErrStoreClosed
	}

	entries := s.logs[executionID.String()]
	out := make([]*execution.LogEntry, len(entries))
	for i, entry := range entries {
		copied := *entry
		out[i] = &copied
	}
	return out, nil
}
