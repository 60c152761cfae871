package definition

import (
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/condition"
	"github.com/loomworks/loom/id"
)

// Status is the publication state of a definition version.
type Status string

const (
	// StatusDraft means the version has not been published yet.
	StatusDraft Status = "draft"
	// StatusActive means the version accepts new triggers. At most one
	// version per workflow ID is active at a time.
	StatusActive Status = "active"
	// StatusInactive means the version is published but not eligible
	// for new triggers.
	StatusInactive Status = "inactive"
	// StatusArchived means the version is retained for history only.
	StatusArchived Status = "archived"
)

// TriggerKind classifies how a workflow execution gets created.
type TriggerKind string

const (
	// TriggerSchedule fires on a cron expression.
	TriggerSchedule TriggerKind = "schedule"
	// TriggerWebhook fires on an inbound webhook event.
	TriggerWebhook TriggerKind = "webhook"
	// TriggerManual fires on an explicit user request.
	TriggerManual TriggerKind = "manual"
	// TriggerEvent fires on a named data-change event.
	TriggerEvent TriggerKind = "event"
)

// TriggerSpec declares when a workflow starts and how the inbound event
// payload is filtered.
type TriggerSpec struct {
	Kind TriggerKind `json:"kind"`

	// Schedule is a cron expression, required for TriggerSchedule.
	Schedule string `json:"schedule,omitempty"`

	// EventType filters webhook/event triggers by the inbound event's
	// type. Empty matches any event of the trigger's kind.
	EventType string `json:"event_type,omitempty"`

	// Filter is evaluated against the inbound event payload. A zero
	// predicate matches every event.
	Filter condition.Predicate `json:"filter,omitempty"`

	// Enabled gates the trigger without unpublishing the definition.
	Enabled bool `json:"enabled"`
}

// VarType is the declared type of a workflow variable.
type VarType string

// Variable types enforced on every binding write.
const (
	VarString  VarType = "string"
	VarNumber  VarType = "number"
	VarBoolean VarType = "boolean"
	VarObject  VarType = "object"
	VarArray   VarType = "array"
	VarAny     VarType = "any"
)

// VariableSpec declares one workflow variable.
type VariableSpec struct {
	Name     string  `json:"name"`
	Type     VarType `json:"type"`
	Required bool    `json:"required"`
	Default  any     `json:"default,omitempty"`

	// Validation is an optional predicate checked against the candidate
	// value (bound as "value") before a write is accepted.
	Validation condition.Predicate `json:"validation,omitempty"`
}

// Settings holds per-workflow execution policy.
type Settings struct {
	// MaxExecutionTime bounds a whole execution. Zero means unbounded.
	MaxExecutionTime time.Duration `json:"max_execution_time,omitempty"`

	// MaxConcurrentExecutions caps simultaneously active executions of
	// this workflow. Zero means no per-workflow cap.
	MaxConcurrentExecutions int `json:"max_concurrent_executions,omitempty"`

	// RateLimit is the maximum sustained execution starts per second.
	// Zero disables rate limiting.
	RateLimit float64 `json:"rate_limit,omitempty"`

	// LoopIterationCap overrides the engine-wide loop safety limit.
	LoopIterationCap int `json:"loop_iteration_cap,omitempty"`

	// DefaultRetry applies to steps that declare no RetryConfig.
	DefaultRetry *RetryConfig `json:"default_retry,omitempty"`

	// DefaultErrorHandling applies to steps that declare no ErrorHandling.
	DefaultErrorHandling *ErrorHandling `json:"default_error_handling,omitempty"`

	// NotificationRecipients receive fire-and-forget notifications on
	// execution success and failure.
	NotificationRecipients []string `json:"notification_recipients,omitempty"`
}

// RetryConfig declares how a failing step is retried before its
// ErrorHandling strategy applies.
type RetryConfig struct {
	// MaxAttempts is the number of retries after the initial attempt.
	MaxAttempts int `json:"max_attempts"`

	// RetryDelay is the base delay fed into the backoff strategy.
	RetryDelay time.Duration `json:"retry_delay"`

	// BackoffStrategy is one of "fixed", "linear", "exponential".
	BackoffStrategy string `json:"backoff_strategy,omitempty"`

	// RetryConditions is an allowlist of error codes that are retried.
	// Empty retries every error. Callers with non-idempotent side
	// effects must narrow this list.
	RetryConditions []string `json:"retry_conditions,omitempty"`
}

// ErrorStrategy selects what happens after retries are exhausted.
type ErrorStrategy string

const (
	// StrategyStop fails the whole execution.
	StrategyStop ErrorStrategy = "stop"
	// StrategyContinue marks the step failed and advances via the error
	// connection if one exists, else treats downstream as skipped.
	StrategyContinue ErrorStrategy = "continue"
	// StrategyRetry forces more attempts beyond MaxAttempts, bounded by
	// the engine's hard ceiling.
	StrategyRetry ErrorStrategy = "retry"
	// StrategyFallback jumps to FallbackStepID.
	StrategyFallback ErrorStrategy = "fallback"
)

// ErrorHandling declares the post-retry failure policy for a step.
type ErrorHandling struct {
	Strategy ErrorStrategy `json:"strategy"`

	// FallbackStepID is required when Strategy is StrategyFallback.
	FallbackStepID string `json:"fallback_step_id,omitempty"`
}

// Definition is one immutable published version of a workflow. A new edit
// never mutates a published version — it creates the next version.
type Definition struct {
	loom.Entity

	ID      id.WorkflowID `json:"id"`
	Name    string        `json:"name"`
	Version int           `json:"version"`
	Status  Status        `json:"status"`

	Trigger     TriggerSpec      `json:"trigger"`
	Steps       []StepSpec       `json:"steps"`
	Connections []ConnectionSpec `json:"connections"`
	Variables   []VariableSpec   `json:"variables,omitempty"`
	Settings    Settings         `json:"settings"`

	// PublishedBy records the principal that published this version.
	PublishedBy string `json:"published_by,omitempty"`
}

// Step returns the step spec with the given ID, or nil.
func (d *Definition) Step(stepID string) *StepSpec {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return &d.Steps[i]
		}
	}
	return nil
}

// Variable returns the variable spec with the given name, or nil.
func (d *Definition) Variable(name string) *VariableSpec {
	for i := range d.Variables {
		if d.Variables[i].Name == name {
			return &d.Variables[i]
		}
	}
	return nil
}

// RetryFor returns the effective retry config for a step: the step's own,
// else the workflow default, else nil (no retries).
func (d *Definition) RetryFor(step *StepSpec) *RetryConfig {
	if step.Retry != nil {
		return step.Retry
	}
	return d.Settings.DefaultRetry
}

// ErrorHandlingFor returns the effective error handling for a step: the
// step's own, else the workflow default, else stop.
func (d *Definition) ErrorHandlingFor(step *StepSpec) ErrorHandling {
	if step.OnError != nil {
		return *step.OnError
	}
	if d.Settings.DefaultErrorHandling != nil {
		return *d.Settings.DefaultErrorHandling
	}
	return ErrorHandling{Strategy: StrategyStop}
}

// CheckType reports whether a value conforms to the declared variable
// type. Numbers accept any Go numeric; nil conforms only to VarAny.
func CheckType(t VarType, v any) bool {
	switch t {
	case VarAny, "":
		return true
	case VarString:
		_, ok := v.(string)
		return ok
	case VarBoolean:
		_, ok := v.(bool)
		return ok
	case VarNumber:
		switch v.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
			return true
		}
		return false
	case VarObject:
		_, ok := v.(map[string]any)
		return ok
	case VarArray:
		_, ok := v.([]any)
		return ok
	default:
		return false
	}
}
