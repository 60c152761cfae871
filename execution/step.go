package execution

import (
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/id"
)

// StepStatus is the lifecycle state of one step attempt.
type StepStatus string

const (
	// StepPending means the attempt is recorded but waiting: a parked
	// delay or approval, or a retry scheduled for NextAttemptAt.
	StepPending StepStatus = "pending"
	// StepRunning means the attempt is executing.
	StepRunning StepStatus = "running"
	// StepSuccess, StepFailed, and StepTimeout are terminal attempt
	// outcomes.
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"
	StepTimeout StepStatus = "timeout"
	// StepSkipped means the step was never eligible: its incoming
	// connections all resolved without firing.
	StepSkipped StepStatus = "skipped"
)

// Terminal reports whether the attempt is finished.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSuccess, StepFailed, StepTimeout, StepSkipped:
		return true
	}
	return false
}

// Decision is the recorded outcome of an approval step.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionExpired  Decision = "expired"
)

// Step is one attempt at executing a workflow step. Retries create a new
// record per attempt, so the full attempt history is queryable.
type Step struct {
	loom.Entity

	ID          id.StepExecID  `json:"id"`
	ExecutionID id.ExecutionID `json:"execution_id"`

	// StepID references the step spec in the pinned definition version.
	StepID string `json:"step_id"`

	// Attempt counts from 1.
	Attempt int `json:"attempt"`

	Status StepStatus `json:"status"`

	// Input is the bindings snapshot the attempt started from.
	Input map[string]any `json:"input,omitempty"`

	// Output is the result map produced by a successful attempt.
	Output map[string]any `json:"output,omitempty"`

	// ErrorCode and ErrorMessage describe a failed attempt. ErrorCode is
	// matched against RetryConditions.
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// NextAttemptAt is when the scheduler should wake a pending retry.
	NextAttemptAt time.Time `json:"next_attempt_at,omitzero"`

	// ResumeAt is when a parked delay step resumes.
	ResumeAt time.Time `json:"resume_at,omitzero"`

	// ApprovalDeadline bounds a parked approval step.
	ApprovalDeadline time.Time `json:"approval_deadline,omitzero"`

	// Decision and DecidedBy record the approval outcome.
	Decision  Decision `json:"decision,omitempty"`
	DecidedBy string   `json:"decided_by,omitempty"`

	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// NewStep creates a pending attempt record.
func NewStep(executionID id.ExecutionID, stepID string, attempt int) *Step {
	return &Step{
		Entity:      loom.NewEntity(),
		ID:          id.NewStepExecID(),
		ExecutionID: executionID,
		StepID:      stepID,
		Attempt:     attempt,
		Status:      StepPending,
	}
}

// Start marks the attempt running.
func (s *Step) Start() {
	s.Status = StepRunning
	s.StartedAt = time.Now()
	s.Touch()
}

// Succeed records a successful outcome.
func (s *Step) Succeed(output map[string]any) {
	s.Status = StepSuccess
	s.Output = output
	s.FinishedAt = time.Now()
	s.Touch()
}

// Fail records a failed outcome with a stable error code.
func (s *Step) Fail(code, message string) {
	s.Status = StepFailed
	s.ErrorCode = code
	s.ErrorMessage = message
	s.FinishedAt = time.Now()
	s.Touch()
}

// LogLevel classifies an execution log entry.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one line of an execution's append-only log. Seq is assigned
// by the store and is strictly increasing per execution.
type LogEntry struct {
	ID          id.LogID       `json:"id"`
	ExecutionID id.ExecutionID `json:"execution_id"`
	Seq         int64          `json:"seq"`
	Timestamp   time.Time      `json:"timestamp"`
	Level       LogLevel       `json:"level"`

	// StepID is set for step-scoped entries, empty for execution-scoped.
	StepID string `json:"step_id,omitempty"`

	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// NewLogEntry creates an entry with Seq unset; AppendLog assigns it.
func NewLogEntry(executionID id.ExecutionID, level LogLevel, stepID, message string, fields map[string]any) *LogEntry {
	return &LogEntry{
		ID:          id.NewLogID(),
		ExecutionID: executionID,
		Timestamp:   time.Now(),
		Level:       level,
		StepID:      stepID,
		Message:     message,
		Fields:      fields,
	}
}
