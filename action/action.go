// Package action defines the runner abstraction behind action,
// notification, and integration steps. The engine treats side effects as
// opaque: it dispatches on the configured action type and only inspects
// the outcome.
package action

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomworks/loom/definition"
)

// Result is the outcome of one runner invocation. Output, when non-nil,
// is stored on the step record and bound to the step's OutputVar.
type Result struct {
	Output map[string]any
}

// Error is a runner failure with a stable code. Codes are matched against
// RetryConfig.RetryConditions, so runners should keep them coarse and
// stable ("timeout", "http_5xx", "rate_limited").
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Cause }

// Errorf builds an *Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Runner executes one action type. Implementations must honor ctx
// cancellation; the engine enforces step timeouts through ctx.
type Runner interface {
	// Run performs the side effect. Params come verbatim from the step
	// config; bindings is a read-only snapshot of the execution state.
	Run(ctx context.Context, cfg *definition.ActionConfig, bindings map[string]any) (*Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, cfg *definition.ActionConfig, bindings map[string]any) (*Result, error)

func (f RunnerFunc) Run(ctx context.Context, cfg *definition.ActionConfig, bindings map[string]any) (*Result, error) {
	return f(ctx, cfg, bindings)
}

// Registry maps action types to runners. Safe for concurrent use;
// registration usually happens once at startup.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register binds a runner to an action type, replacing any previous one.
func (r *Registry) Register(actionType string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[actionType] = runner
}

// Get returns the runner for an action type.
func (r *Registry) Get(actionType string) (Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[actionType]
	return runner, ok
}

// Types returns the registered action types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.runners))
	for t := range r.runners {
		types = append(types, t)
	}
	return types
}
