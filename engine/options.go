package engine

import (
	"context"
	"log/slog"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/action"
	"github.com/loomworks/loom/audit"
	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/ext"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/middleware"
	"github.com/loomworks/loom/notify"
)

// Store is the composite persistence backend: definitions, executions,
// steps, and logs behind one implementation.
type Store interface {
	definition.Store
	execution.Store
	Close() error
}

// Authorizer gates workflow operations by principal. The default allows
// everything; embedders plug their own access control in.
type Authorizer interface {
	CanView(ctx context.Context, actor string, workflowID id.WorkflowID) bool
	CanExecute(ctx context.Context, actor string, workflowID id.WorkflowID) bool
	CanEdit(ctx context.Context, actor string, workflowID id.WorkflowID) bool
}

type allowAll struct{}

func (allowAll) CanView(context.Context, string, id.WorkflowID) bool    { return true }
func (allowAll) CanExecute(context.Context, string, id.WorkflowID) bool { return true }
func (allowAll) CanEdit(context.Context, string, id.WorkflowID) bool    { return true }

// Option configures the engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg loom.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithStore sets the persistence backend. Defaults to the in-memory
// store.
func WithStore(s Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithAuthorizer sets the access-control policy.
func WithAuthorizer(a Authorizer) Option {
	return func(e *Engine) { e.authz = a }
}

// WithNotifier sets the notification transport used for execution
// outcome notifications.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithAuditRecorder sets the audit sink.
func WithAuditRecorder(r audit.Recorder) Option {
	return func(e *Engine) { e.auditor = r }
}

// WithExtension registers a lifecycle extension.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.pendingExts = append(e.pendingExts, x) }
}

// WithRunner registers an action runner for a type.
func WithRunner(actionType string, r action.Runner) Option {
	return func(e *Engine) { e.runners.Register(actionType, r) }
}

// WithMiddleware appends step middlewares, outermost first, between the
// engine's recover and logging layers.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Engine) { e.middlewares = append(e.middlewares, mws...) }
}
