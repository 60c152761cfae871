// Package ext defines optional lifecycle hooks. An extension implements
// any subset of the hook interfaces; the registry type-asserts once at
// registration and fans out without reflection on the hot path.
//
// Hooks are observational: they run synchronously but their errors and
// panics never affect the execution being observed.
package ext

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/trigger"
)

// Extension is a marker for anything registered with the registry. Name
// is used in hook failure logs.
type Extension interface {
	Name() string
}

// ── execution hooks ──

type ExecutionStartedHook interface {
	Extension
	OnExecutionStarted(ctx context.Context, e *execution.Execution)
}

type ExecutionCompletedHook interface {
	Extension
	OnExecutionCompleted(ctx context.Context, e *execution.Execution)
}

type ExecutionFailedHook interface {
	Extension
	OnExecutionFailed(ctx context.Context, e *execution.Execution)
}

type ExecutionCancelledHook interface {
	Extension
	OnExecutionCancelled(ctx context.Context, e *execution.Execution)
}

type ExecutionPausedHook interface {
	Extension
	OnExecutionPaused(ctx context.Context, e *execution.Execution)
}

type ExecutionResumedHook interface {
	Extension
	OnExecutionResumed(ctx context.Context, e *execution.Execution)
}

// ── step hooks ──

type StepStartedHook interface {
	Extension
	OnStepStarted(ctx context.Context, e *execution.Execution, s *execution.Step)
}

type StepCompletedHook interface {
	Extension
	OnStepCompleted(ctx context.Context, e *execution.Execution, s *execution.Step)
}

type StepFailedHook interface {
	Extension
	OnStepFailed(ctx context.Context, e *execution.Execution, s *execution.Step)
}

type StepRetryingHook interface {
	Extension
	OnStepRetrying(ctx context.Context, e *execution.Execution, s *execution.Step)
}

type StepSkippedHook interface {
	Extension
	OnStepSkipped(ctx context.Context, e *execution.Execution, stepID string)
}

// ── trigger and approval hooks ──

type TriggerFiredHook interface {
	Extension
	OnTriggerFired(ctx context.Context, event trigger.Event, e *execution.Execution)
}

type ApprovalRequestedHook interface {
	Extension
	OnApprovalRequested(ctx context.Context, e *execution.Execution, s *execution.Step)
}

type ApprovalDecidedHook interface {
	Extension
	OnApprovalDecided(ctx context.Context, e *execution.Execution, s *execution.Step)
}

// ShutdownHook runs during engine shutdown, after workers drain.
type ShutdownHook interface {
	Extension
	OnShutdown(ctx context.Context) error
}

// Registry holds registered extensions with per-hook slices resolved at
// registration time.
type Registry struct {
	mu     sync.RWMutex
	logger *slog.Logger

	all []Extension

	executionStarted   []ExecutionStartedHook
	executionCompleted []ExecutionCompletedHook
	executionFailed    []ExecutionFailedHook
	executionCancelled []ExecutionCancelledHook
	executionPaused    []ExecutionPausedHook
	executionResumed   []ExecutionResumedHook
	stepStarted        []StepStartedHook
	stepCompleted      []StepCompletedHook
	stepFailed         []StepFailedHook
	stepRetrying       []StepRetryingHook
	stepSkipped        []StepSkippedHook
	triggerFired       []TriggerFiredHook
	approvalRequested  []ApprovalRequestedHook
	approvalDecided    []ApprovalDecidedHook
	shutdown           []ShutdownHook
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and caches which hooks it implements.
func (r *Registry) Register(e Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.all = append(r.all, e)

	if h, ok := e.(ExecutionStartedHook); ok {
		r.executionStarted = append(r.executionStarted, h)
	}
	if h, ok := e.(ExecutionCompletedHook); ok {
		r.executionCompleted = append(r.executionCompleted, h)
	}
	if h, ok := e.(ExecutionFailedHook); ok {
		r.executionFailed = append(r.executionFailed, h)
	}
	if h, ok := e.(ExecutionCancelledHook); ok {
		r.executionCancelled = append(r.executionCancelled, h)
	}
	if h, ok := e.(ExecutionPausedHook); ok {
		r.executionPaused = append(r.executionPaused, h)
	}
	if h, ok := e.(ExecutionResumedHook); ok {
		r.executionResumed = append(r.executionResumed, h)
	}
	if h, ok := e.(StepStartedHook); ok {
		r.stepStarted = append(r.stepStarted, h)
	}
	if h, ok := e.(StepCompletedHook); ok {
		r.stepCompleted = append(r.stepCompleted, h)
	}
	if h, ok := e.(StepFailedHook); ok {
		r.stepFailed = append(r.stepFailed, h)
	}
	if h, ok := e.(StepRetryingHook); ok {
		r.stepRetrying = append(r.stepRetrying, h)
	}
	if h, ok := e.(StepSkippedHook); ok {
		r.stepSkipped = append(r.stepSkipped, h)
	}
	if h, ok := e.(TriggerFiredHook); ok {
		r.triggerFired = append(r.triggerFired, h)
	}
	if h, ok := e.(ApprovalRequestedHook); ok {
		r.approvalRequested = append(r.approvalRequested, h)
	}
	if h, ok := e.(ApprovalDecidedHook); ok {
		r.approvalDecided = append(r.approvalDecided, h)
	}
	if h, ok := e.(ShutdownHook); ok {
		r.shutdown = append(r.shutdown, h)
	}
}

// Extensions returns all registered extensions in registration order.
func (r *Registry) Extensions() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Extension, len(r.all))
	copy(out, r.all)
	return out
}

// safely runs a hook, recovering panics so observers cannot break runs.
func (r *Registry) safely(name, hook string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("extension hook panicked",
				slog.String("extension", name),
				slog.String("hook", hook),
				slog.Any("panic", rec),
			)
		}
	}()
	fn()
}

func (r *Registry) ExecutionStarted(ctx context.Context, e *execution.Execution) {
	r.mu.RLock()
	hooks := r.executionStarted
	r.mu.RUnlock()
	for _, h := range hooks {
		r.safely(h.Name(), "execution_started", func() { h.OnExecutionStarted(ctx, e) })
	}
}

func (r *Registry) ExecutionCompleted(ctx context.Context, e *execution.Execution) {
	r.mu.RLock()
	hooks := r.executionCompleted
	r.mu.RUnlock()
	for _, h := range hooks {
		r.safely(h.Name(), "execution_completed", func() { h.OnExecutionCompleted(ctx, e) })
	}
}

func (r *Registry) ExecutionFailed(ctx context.Context, e *execution.Execution) {
	r.mu.RLock()
	hooks := r.executionFailed
	r.mu.RUnlock()
	for _, h := range hooks {
		r.safely(h.Name(), "execution_failed", func() { h.OnExecutionFailed(ctx, e) })
	}
}

func (r *Registry) ExecutionCancelled(ctx context.Context, e *execution.Execution) {
	r.mu.RLock()
	hooks := r.executionCancelled
	r.mu.RUnlock()
	for _, h := range hooks {
		r.safely(h.Name(), "execution_cancelled", func() { h.OnExecutionCancelled(ctx, e) })
	}
}

func (r *Registry) ExecutionPaused(ctx context.Context, e *execution.Execution) {
	r.mu.RLock()
	hooks := r.executionPaused
	r.mu.RUnlock()
	for _, h := range hooks {
		r.safely(h.Name(), "execution_paused", func() { h.OnExecutionPaused(ctx, e) })
	}
}

func (r *Registry) ExecutionResumed(ctx context.Context, e *execution.Execution) {
	r.mu.RLock()
	hooks := r.executionResumed
	r.mu.RUnlock()
	for _, h := range hooks {
		r.safely(h.Name(), "execution_resumed", func() { h.OnExecutionResumed(ctx, e) })
	}
}

func (r *Registry) StepStarted(ctx context.Context, e *execution.Execution, s *execution.Step) {
	r.mu.RLock()
	hooks := r.stepStarted
	r.mu.RUnlock()
	for _, h := range hooks {
		r.safely(h.Name(), "step_started", func() { h.OnStepStarted(ctx, e, s) })
	}
}

func (r *Registry) StepCompleted(ctx context.Context, e *execution.Execution, s *execution.Step) {
	r.mu.RLock()
	hooks := r.stepCompleted
	r.mu.RUnlock()
	for _, h := range hooks {
		r.safely(h.Name(), "step_completed", func() { h.OnStepCompleted(ctx, e, s) })
	}
}

func (r *Registry) StepFailed(ctx context.Context, e *execution.Execution, s *execution.Step) {
	r.mu.RLock()
	hooks := r.stepFailed
	r.mu.RUnlock()
	for _, h := range hooks {
		r.safely(h.Name(), "step_failed", func() { h.OnStepFailed(ctx, e, s) })
	}
}

func (r *Registry) StepRetrying(ctx context.Context, e *execution.Execution, s *execution.Step) {
	r.mu.RLock()
	hooks := r.stepRetrying
	r.mu.RUnlock()
	for _, h := range hooks {
		r.safely(h.Name(), "step_retrying", func() { h.OnStepRetrying(ctx, e, s) })
	}
}

func (r *Registry) StepSkipped(ctx context.Context, e *execution.Execution, stepID string) {
	r.mu.RLock()
	hooks := r.stepSkipped
	r.mu.RUnlock()
	for _, h := range hooks {
		r.safely(h.Name(), "step_skipped", func() { h.OnStepSkipped(ctx, e, stepID) })
	}
}

func (r *Registry) TriggerFired(ctx context.Context, event trigger.Event, e *execution.Execution) {
	r.mu.RLock()
	hooks := r.triggerFired
	r.mu.RUnlock()
	for _, h := range hooks {
		r.safely(h.Name(), "trigger_fired", func() { h.OnTriggerFired(ctx, event, e) })
	}
}

func (r *Registry) ApprovalRequested(ctx context.Context, e *execution.Execution, s *execution.Step) {
	r.mu.RLock()
	hooks := r.approvalRequested
	r.mu.RUnlock()
	for _, h := range hooks {
		r.safely(h.Name(), "approval_requested", func() { h.OnApprovalRequested(ctx, e, s) })
	}
}

func (r *Registry) ApprovalDecided(ctx context.Context, e *execution.Execution, s *execution.Step) {
	r.mu.RLock()
	hooks := r.approvalDecided
	r.mu.RUnlock()
	for _, h := range hooks {
		r.safely(h.Name(), "approval_decided", func() { h.OnApprovalDecided(ctx, e, s) })
	}
}

// Shutdown runs all shutdown hooks, logging failures and continuing.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	hooks := r.shutdown
	r.mu.RUnlock()
	for _, h := range hooks {
		r.safely(h.Name(), "shutdown", func() {
			if err := h.OnShutdown(ctx); err != nil {
				r.logger.Error("extension shutdown failed",
					slog.String("extension", h.Name()),
					slog.String("error", err.Error()),
				)
			}
		})
	}
}
