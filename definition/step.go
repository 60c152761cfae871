package definition

import (
	"time"

	"github.com/loomworks/loom/condition"
)

// StepKind is the closed set of step types. The orchestrator's executor
// switches exhaustively over these; an unknown kind is a typed error, not
// a panic.
type StepKind string

const (
	// KindAction performs an opaque side effect through an ActionRunner.
	KindAction StepKind = "action"
	// KindCondition evaluates a predicate and emits a boolean output used
	// to select the outgoing connection.
	KindCondition StepKind = "condition"
	// KindLoop repeats its body steps until the predicate is false, the
	// count is reached, or the collection is exhausted.
	KindLoop StepKind = "loop"
	// KindParallel fans out to named branches and joins on all or any.
	KindParallel StepKind = "parallel"
	// KindDelay suspends the execution until a resume timestamp.
	KindDelay StepKind = "delay"
	// KindApproval suspends until an explicit approve/reject signal or
	// the approval timeout.
	KindApproval StepKind = "approval"
	// KindNotification sends a notification through an ActionRunner.
	KindNotification StepKind = "notification"
	// KindIntegration calls an external system through an ActionRunner.
	KindIntegration StepKind = "integration"
)

// LoopMode selects the looping behavior of a KindLoop step.
type LoopMode string

const (
	// LoopFor iterates a fixed Count times.
	LoopFor LoopMode = "for"
	// LoopWhile iterates while Until evaluates true.
	LoopWhile LoopMode = "while"
	// LoopForeach iterates over the array bound to Collection.
	LoopForeach LoopMode = "foreach"
)

// JoinMode selects when a parallel step's branches are considered joined.
type JoinMode string

const (
	// JoinAll waits for every branch to reach a terminal state.
	JoinAll JoinMode = "all"
	// JoinAny completes as soon as one branch reaches a terminal state.
	JoinAny JoinMode = "any"
)

// ActionConfig configures action, notification, and integration steps.
// The engine treats the side effect as opaque: it dispatches to the
// ActionRunner registered for Type and only cares about the outcome.
type ActionConfig struct {
	// Type selects the ActionRunner (email/sms/webhook/db/file/api/
	// script/notification).
	Type string `json:"type"`

	// Params are passed verbatim to the runner.
	Params map[string]any `json:"params,omitempty"`
}

// ConditionConfig configures a condition step.
type ConditionConfig struct {
	Predicate condition.Predicate `json:"predicate"`
}

// LoopConfig configures a loop step. Body steps run sequentially once per
// iteration as a sub-walk; they must not be targets of graph connections.
type LoopConfig struct {
	Mode LoopMode `json:"mode"`

	// Count is the iteration count for LoopFor.
	Count int `json:"count,omitempty"`

	// Until is the continuation predicate for LoopWhile, evaluated
	// before each iteration.
	Until condition.Predicate `json:"until,omitempty"`

	// Collection names the array variable iterated by LoopForeach.
	Collection string `json:"collection,omitempty"`

	// ItemVar and IndexVar receive the current element and index.
	ItemVar  string `json:"item_var,omitempty"`
	IndexVar string `json:"index_var,omitempty"`

	// Body is the ordered list of step IDs executed each iteration.
	Body []string `json:"body"`
}

// BranchSpec is one named branch of a parallel step.
type BranchSpec struct {
	Name string `json:"name"`

	// Steps is the ordered list of step IDs executed sequentially
	// within this branch.
	Steps []string `json:"steps"`
}

// ParallelConfig configures a parallel step.
type ParallelConfig struct {
	Branches []BranchSpec `json:"branches"`

	// Join defaults to JoinAll.
	Join JoinMode `json:"join,omitempty"`
}

// DelayConfig configures a delay step.
type DelayConfig struct {
	Duration time.Duration `json:"duration"`
}

// ApprovalConfig configures an approval step.
type ApprovalConfig struct {
	// Approvers are the principals allowed to decide. Empty defers the
	// decision entirely to the Authorizer collaborator.
	Approvers []string `json:"approvers,omitempty"`

	// Timeout fails the step with an approval timeout when no decision
	// arrives in time. Zero waits forever.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// StepSpec declares one step of the workflow graph. Exactly one of the
// kind-specific config fields is set, matching Kind.
type StepSpec struct {
	ID   string   `json:"id"`
	Name string   `json:"name,omitempty"`
	Kind StepKind `json:"kind"`

	Action    *ActionConfig    `json:"action,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty"`
	Loop      *LoopConfig      `json:"loop,omitempty"`
	Parallel  *ParallelConfig  `json:"parallel,omitempty"`
	Delay     *DelayConfig     `json:"delay,omitempty"`
	Approval  *ApprovalConfig  `json:"approval,omitempty"`

	// OutputVar, when set, stores the step's output map into the
	// execution bindings under this variable name.
	OutputVar string `json:"output_var,omitempty"`

	// Timeout bounds one attempt of this step. Zero uses the engine
	// default.
	Timeout time.Duration `json:"timeout,omitempty"`

	Retry   *RetryConfig   `json:"retry,omitempty"`
	OnError *ErrorHandling `json:"on_error,omitempty"`
}

// Guard tags an outgoing connection with the source outcome it fires on.
type Guard string

const (
	// GuardSuccess fires when the source step succeeded.
	GuardSuccess Guard = "success"
	// GuardError fires when the source step failed under a continue or
	// fallback policy, timeouts included.
	GuardError Guard = "error"
	// GuardTimeout fires only when the source step's last attempt timed
	// out.
	GuardTimeout Guard = "timeout"
	// GuardAlways fires on any terminal outcome of the source.
	GuardAlways Guard = "always"
	// GuardTrue and GuardFalse fire on a condition step's boolean output.
	GuardTrue  Guard = "true"
	GuardFalse Guard = "false"
	// GuardCondition fires when the source succeeded and the
	// connection's predicate evaluates true against the bindings.
	GuardCondition Guard = "condition"
)

// ConnectionSpec is a directed, outcome-guarded edge between two steps.
type ConnectionSpec struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Guard  Guard  `json:"guard"`

	// Predicate is evaluated for GuardCondition edges.
	Predicate condition.Predicate `json:"predicate,omitempty"`
}
