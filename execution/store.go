package execution

import (
	"context"
	"time"

	"github.com/loomworks/loom/id"
)

// ListFilter narrows ListExecutions.
type ListFilter struct {
	// WorkflowID limits results to one workflow. Zero matches all.
	WorkflowID id.WorkflowID

	// Statuses limits results to the given statuses. Empty matches all.
	Statuses []Status

	// Since limits results to executions created at or after this time.
	Since time.Time

	// Limit caps the result count. Zero means no cap.
	Limit int
}

// Matches reports whether an execution passes the filter.
func (f ListFilter) Matches(e *Execution) bool {
	if !f.WorkflowID.IsNil() && e.WorkflowID != f.WorkflowID {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if e.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// Store persists executions, step attempts, and execution logs. One
// backend implements this together with definition.Store; the interfaces
// stay narrow so tests can fake a single concern.
type Store interface {
	// CreateExecution stores a new execution. Returns
	// loom.ErrExecutionExists on an ID collision.
	CreateExecution(ctx context.Context, e *Execution) error

	// GetExecution returns a copy of one execution, or
	// loom.ErrExecutionNotFound.
	GetExecution(ctx context.Context, executionID id.ExecutionID) (*Execution, error)

	// UpdateExecution writes the execution if the stored revision equals
	// e.Revision, then increments e.Revision. A mismatch returns
	// loom.ErrRevisionConflict and writes nothing.
	UpdateExecution(ctx context.Context, e *Execution) error

	// ListExecutions returns executions matching the filter, newest first.
	ListExecutions(ctx context.Context, filter ListFilter) ([]*Execution, error)

	// ListResumable returns non-terminal executions: queued, running
	// (possibly orphaned by a crash), and paused. Startup recovery and
	// the worker pool feed from this.
	ListResumable(ctx context.Context) ([]*Execution, error)

	// ListDue returns paused executions whose ResumeAt or
	// ApprovalDeadline is at or before now.
	ListDue(ctx context.Context, now time.Time) ([]*Execution, error)

	// CountActive returns the number of active executions of a workflow.
	CountActive(ctx context.Context, workflowID id.WorkflowID) (int, error)

	// ListChildren returns executions whose parent is the given execution.
	ListChildren(ctx context.Context, parentID id.ExecutionID) ([]*Execution, error)

	// PurgeTerminalBefore deletes terminal executions (with their steps
	// and logs) finished before the cutoff. Returns the purge count.
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	StepStore
	LogStore
}

// StepStore persists step attempt records.
type StepStore interface {
	// CreateStep stores a new attempt record.
	CreateStep(ctx context.Context, s *Step) error

	// UpdateStep overwrites an attempt record by ID. Returns
	// loom.ErrStepNotFound when it does not exist.
	UpdateStep(ctx context.Context, s *Step) error

	// GetStep returns one attempt record by ID.
	GetStep(ctx context.Context, stepExecID id.StepExecID) (*Step, error)

	// ListSteps returns every attempt of an execution in creation order.
	ListSteps(ctx context.Context, executionID id.ExecutionID) ([]*Step, error)
}

// LogStore persists the append-only execution log.
type LogStore interface {
	// AppendLog assigns the next per-execution Seq and stores the entry.
	AppendLog(ctx context.Context, entry *LogEntry) error

	// ListLogs returns an execution's log in Seq order.
	ListLogs(ctx context.Context, executionID id.ExecutionID) ([]*LogEntry, error)
}
