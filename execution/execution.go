package execution

import (
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/id"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	// StatusQueued means the execution exists but no worker has started it.
	StatusQueued Status = "queued"
	// StatusRunning means a worker is advancing the execution.
	StatusRunning Status = "running"
	// StatusPaused means the execution is suspended on a delay, an
	// approval, or a scheduled retry, waiting for the scheduler.
	StatusPaused Status = "paused"
	// StatusSuccess, StatusFailed, StatusTimeout, and StatusCancelled are
	// terminal.
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the execution counts against concurrency limits.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusPaused
}

// WaitKind says what a paused execution is waiting for.
type WaitKind string

const (
	// WaitDelay waits for ResumeAt.
	WaitDelay WaitKind = "delay"
	// WaitApproval waits for an approve/reject signal, bounded by
	// ApprovalDeadline when set.
	WaitApproval WaitKind = "approval"
	// WaitRetry waits for a scheduled retry attempt at ResumeAt.
	WaitRetry WaitKind = "retry"
)

// Failure records why an execution failed.
type Failure struct {
	// Code is a stable, machine-readable error code.
	Code string `json:"code"`

	Message string `json:"message"`

	// StepID is the step whose failure ended the execution, if any.
	StepID string `json:"step_id,omitempty"`
}

// Execution is one run of a workflow definition version. All mutations go
// through the store's compare-and-swap update keyed on Revision.
type Execution struct {
	loom.Entity

	ID         id.ExecutionID `json:"id"`
	WorkflowID id.WorkflowID  `json:"workflow_id"`

	// Version pins the definition version this run walks. It never
	// changes after creation.
	Version int `json:"version"`

	Status Status `json:"status"`

	// Revision increments on every successful update. Writers must send
	// the revision they read; a mismatch is loom.ErrRevisionConflict.
	Revision int64 `json:"revision"`

	// TriggeredBy records how the run started: the trigger kind for
	// automatic starts, or "manual:<principal>" for manual ones.
	TriggeredBy string `json:"triggered_by"`

	// TriggerData is the raw event payload that started the run.
	TriggerData map[string]any `json:"trigger_data,omitempty"`

	// Bindings is the variable state. Writes go through SetBinding so
	// declared types and validation predicates are enforced.
	Bindings map[string]any `json:"bindings,omitempty"`

	// Waiting describes the suspension when Status is StatusPaused.
	Waiting WaitKind `json:"waiting,omitempty"`

	// WaitStepID is the step the execution is suspended on.
	WaitStepID string `json:"wait_step_id,omitempty"`

	// ResumeAt is when the scheduler should wake a delay or retry wait.
	ResumeAt time.Time `json:"resume_at,omitzero"`

	// ApprovalDeadline bounds an approval wait. Zero means no deadline.
	ApprovalDeadline time.Time `json:"approval_deadline,omitzero"`

	// Deadline is the absolute bound derived from the definition's
	// MaxExecutionTime. Zero means unbounded.
	Deadline time.Time `json:"deadline,omitzero"`

	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`

	Failure *Failure `json:"failure,omitempty"`

	// CancelRequested asks the orchestrator to stop at the next step
	// boundary. The running step is never interrupted mid-flight.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// ParentExecutionID links a run started by another run.
	ParentExecutionID id.ExecutionID `json:"parent_execution_id,omitzero"`

	// ClaimedBy is the worker currently advancing the execution.
	ClaimedBy id.WorkerID `json:"claimed_by,omitzero"`
}

// New creates a queued execution pinned to the given definition version.
func New(def *definition.Definition, triggeredBy string, triggerData map[string]any) *Execution {
	e := &Execution{
		Entity:      loom.NewEntity(),
		ID:          id.NewExecutionID(),
		WorkflowID:  def.ID,
		Version:     def.Version,
		Status:      StatusQueued,
		Revision:    1,
		TriggeredBy: triggeredBy,
		TriggerData: triggerData,
		Bindings:    make(map[string]any),
	}
	if def.Settings.MaxExecutionTime > 0 {
		e.Deadline = time.Now().Add(def.Settings.MaxExecutionTime)
	}
	return e
}

// BindingError reports a rejected variable write.
type BindingError struct {
	Name   string
	Reason string
}

func (e *BindingError) Error() string {
	return "binding " + e.Name + ": " + e.Reason
}

// SetBinding writes a variable, enforcing the declared type. Undeclared
// variables are allowed and untyped.
func (e *Execution) SetBinding(def *definition.Definition, name string, value any) error {
	spec := def.Variable(name)
	if spec != nil && !definition.CheckType(spec.Type, value) {
		return &BindingError{Name: name, Reason: "value does not conform to type " + string(spec.Type)}
	}
	if e.Bindings == nil {
		e.Bindings = make(map[string]any)
	}
	e.Bindings[name] = value
	return nil
}

// Suspend parks the execution on a wait.
func (e *Execution) Suspend(kind WaitKind, stepID string, resumeAt, approvalDeadline time.Time) {
	e.Status = StatusPaused
	e.Waiting = kind
	e.WaitStepID = stepID
	e.ResumeAt = resumeAt
	e.ApprovalDeadline = approvalDeadline
	e.Touch()
}

// ClearWait resets the suspension fields after a resume.
func (e *Execution) ClearWait() {
	e.Waiting = ""
	e.WaitStepID = ""
	e.ResumeAt = time.Time{}
	e.ApprovalDeadline = time.Time{}
}

// Finish moves the execution to a terminal status.
func (e *Execution) Finish(status Status, failure *Failure) {
	e.Status = status
	e.Failure = failure
	e.FinishedAt = time.Now()
	e.ClearWait()
	e.Touch()
}

// Clone deep-copies the execution so store reads never alias writer state.
func (e *Execution) Clone() *Execution {
	out := *e
	out.TriggerData = cloneMap(e.TriggerData)
	out.Bindings = cloneMap(e.Bindings)
	if e.Failure != nil {
		f := *e.Failure
		out.Failure = &f
	}
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
