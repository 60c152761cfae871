package loom

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("loom: no store configured")
	ErrStoreClosed = errors.New("loom: store closed")

	// Not found errors.
	ErrDefinitionNotFound = errors.New("loom: workflow definition not found")
	ErrExecutionNotFound  = errors.New("loom: execution not found")
	ErrStepNotFound       = errors.New("loom: step execution not found")
	ErrNoActiveVersion    = errors.New("loom: no active version for workflow")

	// Conflict errors.
	ErrDefinitionExists  = errors.New("loom: definition version already exists")
	ErrExecutionExists   = errors.New("loom: execution already exists")
	ErrRevisionConflict  = errors.New("loom: execution revision conflict")
	ErrConcurrencyLimit  = errors.New("loom: max concurrent executions reached")
	ErrPermissionDenied  = errors.New("loom: permission denied")
	ErrExecutionTerminal = errors.New("loom: execution already terminal")

	// Policy errors. These become StepExecution error codes and are
	// resolved by the per-step ErrorHandling policy, never surfaced raw.
	ErrLoopLimitExceeded = errors.New("loom: loop iteration limit exceeded")
	ErrApprovalTimeout   = errors.New("loom: approval timed out")
	ErrApprovalRejected  = errors.New("loom: approval rejected")
	ErrStepTimeout       = errors.New("loom: step timed out")
	ErrRetryCeiling      = errors.New("loom: forced retry ceiling reached")
)
