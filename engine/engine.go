// Package engine wires the workflow automation engine together: the
// stores, trigger evaluation, admission gate, orchestrator, worker pool,
// and scheduler, behind one embeddable facade.
//
//	eng, err := engine.New(
//		engine.WithStore(memory.New()),
//		engine.WithRunner("webhook", action.NewWebhookRunner(nil)),
//	)
//	if err != nil { ... }
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/action"
	"github.com/loomworks/loom/audit"
	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/ext"
	"github.com/loomworks/loom/gate"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/middleware"
	"github.com/loomworks/loom/notify"
	"github.com/loomworks/loom/orchestrator"
	"github.com/loomworks/loom/scheduler"
	"github.com/loomworks/loom/store/memory"
	"github.com/loomworks/loom/trigger"
	"github.com/loomworks/loom/worker"
)

// Engine is the embeddable workflow automation engine.
type Engine struct {
	cfg    loom.Config
	logger *slog.Logger

	store    Store
	authz    Authorizer
	notifier notify.Notifier
	auditor  audit.Recorder
	runners  *action.Registry
	hooks    *ext.Registry

	triggers *trigger.Evaluator
	gate     *gate.Gate
	orch     *orchestrator.Orchestrator
	sched    *scheduler.Scheduler
	pool     *worker.Pool

	pendingExts []ext.Extension
	middlewares []middleware.Middleware

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
	started bool
}

// New builds an Engine from options.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:     loom.DefaultConfig(),
		logger:  slog.Default(),
		authz:   allowAll{},
		runners: action.NewRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.store == nil {
		e.store = memory.New()
	}
	if e.notifier == nil {
		e.notifier = notify.NewLogNotifier(e.logger)
	}
	if e.auditor == nil {
		e.auditor = audit.NewLogRecorder(e.logger)
	}

	e.hooks = ext.NewRegistry(e.logger)
	e.hooks.Register(notify.NewExtension(e.notifier, e.recipientsFor, e.logger))
	for _, x := range e.pendingExts {
		e.hooks.Register(x)
	}
	e.pendingExts = nil

	e.orch = orchestrator.New(e.cfg, e.store, e.store, e.runners, e.hooks, e.logger, e.middlewares...)
	e.triggers = trigger.NewEvaluator(e.orch.Conditions(), e.logger)
	e.gate = gate.New(e.store)
	e.pool = worker.New(e.cfg, e.store, e.orch.Advance, e.logger)
	e.sched = scheduler.New(e.cfg, e.store, e.store, e.startScheduled, e.orch.Advance, e.logger)

	return e, nil
}

// Start recovers in-flight executions and launches the worker pool and
// scheduler. It returns once recovery is done; background loops run
// until Stop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}

	// Crash recovery: re-drive anything a previous process left
	// non-terminal. Advance is idempotent, so re-walking a previously
	// running execution is safe.
	resumable, err := e.store.ListResumable(ctx)
	if err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}
	for _, ex := range resumable {
		requeue := ex.Status == execution.StatusRunning
		if !requeue && ex.ClaimedBy.IsNil() {
			continue
		}
		if requeue {
			ex.Status = execution.StatusQueued
		}
		// A stale claim from a dead worker would make the pool skip the
		// execution forever.
		ex.ClaimedBy = id.Nil
		if err := e.store.UpdateExecution(ctx, ex); err != nil && !errors.Is(err, loom.ErrRevisionConflict) {
			return fmt.Errorf("requeue orphaned execution %s: %w", ex.ID, err)
		}
	}
	if len(resumable) > 0 {
		e.logger.Info("recovered non-terminal executions", slog.Int("count", len(resumable)))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.stopped = make(chan struct{})

	go func() {
		defer close(e.stopped)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); e.pool.Run(runCtx) }()
		go func() { defer wg.Done(); e.sched.Run(runCtx) }()
		wg.Wait()
	}()

	e.pool.Kick()
	e.started = true
	e.logger.Info("engine started",
		slog.Int("concurrency", e.cfg.Concurrency),
		slog.Duration("poll_interval", e.cfg.PollInterval),
	)
	return nil
}

// Stop shuts the background loops down, bounded by ShutdownTimeout, then
// runs extension shutdown hooks and closes the store.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return nil
	}
	e.cancel()

	timeout := e.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-e.stopped:
	case <-time.After(timeout):
		e.logger.Warn("shutdown timed out waiting for workers")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	e.hooks.Shutdown(ctx)

	e.started = false
	e.logger.Info("engine stopped")
	return e.store.Close()
}

// ──────────────────────────────────────────────────
// Definition lifecycle
// ──────────────────────────────────────────────────

// Publish validates and stores a new definition version and makes it
// active. A zero Version is assigned the next number; a zero ID gets a
// fresh workflow identity.
func (e *Engine) Publish(ctx context.Context, actor string, def *definition.Definition) (*definition.Definition, error) {
	if def.ID.IsNil() {
		def.ID = id.NewWorkflowID()
	}
	if !e.authz.CanEdit(ctx, actor, def.ID) {
		return nil, fmt.Errorf("actor %q may not publish workflow %s: %w", actor, def.ID, loom.ErrPermissionDenied)
	}

	if def.Version == 0 {
		versions, err := e.store.ListVersions(ctx, def.ID)
		if err != nil && !errors.Is(err, loom.ErrDefinitionNotFound) {
			return nil, err
		}
		def.Version = len(versions) + 1
	}
	if err := definition.Validate(def); err != nil {
		return nil, err
	}

	def.Entity = loom.NewEntity()
	def.PublishedBy = actor
	if err := e.store.Publish(ctx, def); err != nil {
		return nil, err
	}

	e.auditor.Record(ctx, audit.Record{
		Actor:      actor,
		Action:     "publish",
		EntityType: "workflow",
		EntityID:   def.ID.String(),
		NewValue:   map[string]any{"version": def.Version, "name": def.Name},
		Timestamp:  time.Now(),
	})
	e.logger.Info("definition published",
		slog.String("workflow_id", def.ID.String()),
		slog.Int("version", def.Version),
		slog.String("actor", actor),
	)
	return def, nil
}

// Deactivate demotes the active version. Running executions finish on
// their pinned versions.
func (e *Engine) Deactivate(ctx context.Context, actor string, workflowID id.WorkflowID) error {
	if !e.authz.CanEdit(ctx, actor, workflowID) {
		return fmt.Errorf("actor %q may not deactivate workflow %s: %w", actor, workflowID, loom.ErrPermissionDenied)
	}
	if err := e.store.Deactivate(ctx, workflowID); err != nil {
		return err
	}
	e.gate.Forget(workflowID)
	e.auditor.Record(ctx, audit.Record{
		Actor:      actor,
		Action:     "deactivate",
		EntityType: "workflow",
		EntityID:   workflowID.String(),
		Timestamp:  time.Now(),
	})
	return nil
}

// Definition returns one stored version.
func (e *Engine) Definition(ctx context.Context, workflowID id.WorkflowID, version int) (*definition.Definition, error) {
	return e.store.Get(ctx, workflowID, version)
}

// ActiveDefinition returns the active version of a workflow.
func (e *Engine) ActiveDefinition(ctx context.Context, workflowID id.WorkflowID) (*definition.Definition, error) {
	return e.store.GetActive(ctx, workflowID)
}

// ──────────────────────────────────────────────────
// Triggering
// ──────────────────────────────────────────────────

// HandleEvent starts an execution for every active workflow whose
// trigger matches the event. Workflows rejected by their admission gate
// are skipped with a warning; one bad workflow never blocks the rest.
func (e *Engine) HandleEvent(ctx context.Context, event trigger.Event) ([]id.ExecutionID, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	actives, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var started []id.ExecutionID
	for _, def := range e.triggers.Select(actives, event) {
		ex, err := e.startExecution(ctx, def, string(def.Trigger.Kind), event.Payload, id.Nil)
		if err != nil {
			e.logger.Warn("event trigger rejected",
				slog.String("workflow_id", def.ID.String()),
				slog.String("event_type", event.Type),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.hooks.TriggerFired(ctx, event, ex)
		started = append(started, ex.ID)
	}
	return started, nil
}

// TriggerManual starts one execution of the active version on behalf of
// an actor.
func (e *Engine) TriggerManual(ctx context.Context, actor string, workflowID id.WorkflowID, payload map[string]any) (id.ExecutionID, error) {
	if !e.authz.CanExecute(ctx, actor, workflowID) {
		return id.Nil, fmt.Errorf("actor %q may not trigger workflow %s: %w", actor, workflowID, loom.ErrPermissionDenied)
	}
	def, err := e.store.GetActive(ctx, workflowID)
	if err != nil {
		return id.Nil, err
	}

	ex, err := e.startExecution(ctx, def, "manual:"+actor, payload, id.Nil)
	if err != nil {
		return id.Nil, err
	}
	e.auditor.Record(ctx, audit.Record{
		Actor:      actor,
		Action:     "trigger",
		EntityType: "execution",
		EntityID:   ex.ID.String(),
		Timestamp:  time.Now(),
	})
	return ex.ID, nil
}

// startScheduled is the scheduler's StartFunc.
func (e *Engine) startScheduled(ctx context.Context, def *definition.Definition) error {
	_, err := e.startExecution(ctx, def, string(definition.TriggerSchedule), nil, id.Nil)
	return err
}

func (e *Engine) startExecution(ctx context.Context, def *definition.Definition, triggeredBy string, payload map[string]any, parent id.ExecutionID) (*execution.Execution, error) {
	if err := e.gate.Admit(ctx, def); err != nil {
		return nil, err
	}
	bindings, err := e.triggers.InitialBindings(def, payload)
	if err != nil {
		return nil, fmt.Errorf("initial bindings: %w", err)
	}

	ex := execution.New(def, triggeredBy, payload)
	ex.Bindings = bindings
	ex.ParentExecutionID = parent
	if err := e.store.CreateExecution(ctx, ex); err != nil {
		return nil, err
	}

	e.logger.Info("execution enqueued",
		slog.String("execution_id", ex.ID.String()),
		slog.String("workflow_id", def.ID.String()),
		slog.Int("version", def.Version),
		slog.String("triggered_by", triggeredBy),
	)
	e.pool.Kick()
	return ex, nil
}

// ──────────────────────────────────────────────────
// Execution control
// ──────────────────────────────────────────────────

// Cancel requests cancellation of an execution.
func (e *Engine) Cancel(ctx context.Context, actor string, executionID id.ExecutionID) error {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if !e.authz.CanExecute(ctx, actor, ex.WorkflowID) {
		return fmt.Errorf("actor %q may not cancel execution %s: %w", actor, executionID, loom.ErrPermissionDenied)
	}
	if err := e.orch.Cancel(ctx, executionID); err != nil {
		return err
	}
	e.auditor.Record(ctx, audit.Record{
		Actor:      actor,
		Action:     "cancel",
		EntityType: "execution",
		EntityID:   executionID.String(),
		Timestamp:  time.Now(),
	})
	return nil
}

// Approve resolves a pending approval positively and resumes the
// execution.
func (e *Engine) Approve(ctx context.Context, actor string, executionID id.ExecutionID) error {
	return e.decide(ctx, actor, executionID, true)
}

// Reject resolves a pending approval negatively; the approval step fails
// under its error-handling policy.
func (e *Engine) Reject(ctx context.Context, actor string, executionID id.ExecutionID) error {
	return e.decide(ctx, actor, executionID, false)
}

func (e *Engine) decide(ctx context.Context, actor string, executionID id.ExecutionID, approved bool) error {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if !e.authz.CanExecute(ctx, actor, ex.WorkflowID) {
		return fmt.Errorf("actor %q may not decide on execution %s: %w", actor, executionID, loom.ErrPermissionDenied)
	}
	if err := e.orch.Decide(ctx, executionID, actor, approved); err != nil {
		return err
	}

	verb := "approve"
	if !approved {
		verb = "reject"
	}
	e.auditor.Record(ctx, audit.Record{
		Actor:      actor,
		Action:     verb,
		EntityType: "execution",
		EntityID:   executionID.String(),
		Timestamp:  time.Now(),
	})
	return e.orch.Advance(ctx, executionID)
}

// Retry starts a fresh execution of a failed, timed-out, or cancelled
// run, replaying the original trigger payload against the same pinned
// definition version. The new run references the old one as its parent.
func (e *Engine) Retry(ctx context.Context, actor string, executionID id.ExecutionID) (id.ExecutionID, error) {
	old, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return id.Nil, err
	}
	if !e.authz.CanExecute(ctx, actor, old.WorkflowID) {
		return id.Nil, fmt.Errorf("actor %q may not retry execution %s: %w", actor, executionID, loom.ErrPermissionDenied)
	}
	if !old.Status.Terminal() || old.Status == execution.StatusSuccess {
		return id.Nil, fmt.Errorf("execution %s is %s; only failed runs can be retried", old.ID, old.Status)
	}

	def, err := e.store.Get(ctx, old.WorkflowID, old.Version)
	if err != nil {
		return id.Nil, err
	}
	ex, err := e.startExecution(ctx, def, "manual:"+actor, old.TriggerData, old.ID)
	if err != nil {
		return id.Nil, err
	}
	e.auditor.Record(ctx, audit.Record{
		Actor:      actor,
		Action:     "retry",
		EntityType: "execution",
		EntityID:   executionID.String(),
		NewValue:   map[string]any{"new_execution_id": ex.ID.String()},
		Timestamp:  time.Now(),
	})
	return ex.ID, nil
}

// ──────────────────────────────────────────────────
// Inspection
// ──────────────────────────────────────────────────

// Execution returns one execution, subject to the actor's view
// permission on its workflow.
func (e *Engine) Execution(ctx context.Context, actor string, executionID id.ExecutionID) (*execution.Execution, error) {
	return e.viewable(ctx, actor, executionID)
}

// Executions lists executions matching the filter, newest first,
// restricted to workflows the actor may view.
func (e *Engine) Executions(ctx context.Context, actor string, filter execution.ListFilter) ([]*execution.Execution, error) {
	list, err := e.store.ListExecutions(ctx, filter)
	if err != nil {
		return nil, err
	}
	allowed := make(map[id.WorkflowID]bool)
	var out []*execution.Execution
	for _, ex := range list {
		ok, seen := allowed[ex.WorkflowID]
		if !seen {
			ok = e.authz.CanView(ctx, actor, ex.WorkflowID)
			allowed[ex.WorkflowID] = ok
		}
		if ok {
			out = append(out, ex)
		}
	}
	return out, nil
}

// Steps returns the attempt history of an execution.
func (e *Engine) Steps(ctx context.Context, actor string, executionID id.ExecutionID) ([]*execution.Step, error) {
	if _, err := e.viewable(ctx, actor, executionID); err != nil {
		return nil, err
	}
	return e.store.ListSteps(ctx, executionID)
}

// Logs returns the durable log of an execution in sequence order.
func (e *Engine) Logs(ctx context.Context, actor string, executionID id.ExecutionID) ([]*execution.LogEntry, error) {
	if _, err := e.viewable(ctx, actor, executionID); err != nil {
		return nil, err
	}
	return e.store.ListLogs(ctx, executionID)
}

func (e *Engine) viewable(ctx context.Context, actor string, executionID id.ExecutionID) (*execution.Execution, error) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !e.authz.CanView(ctx, actor, ex.WorkflowID) {
		return nil, fmt.Errorf("actor %q may not view workflow %s: %w", actor, ex.WorkflowID, loom.ErrPermissionDenied)
	}
	return ex, nil
}

// Advance drives one execution synchronously. Exported for embedders
// that want deterministic stepping (tests, CLIs) instead of the pool.
func (e *Engine) Advance(ctx context.Context, executionID id.ExecutionID) error {
	return e.orch.Advance(ctx, executionID)
}

// Tick runs one scheduler pass synchronously.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	e.sched.Tick(ctx, now)
}

// recipientsFor resolves notification recipients from the execution's
// pinned definition.
func (e *Engine) recipientsFor(ex *execution.Execution) []string {
	def, err := e.store.Get(context.Background(), ex.WorkflowID, ex.Version)
	if err != nil {
		return nil
	}
	return def.Settings.NotificationRecipients
}
