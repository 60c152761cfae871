// Package orchestrator advances workflow executions: it walks the step
// graph of the pinned definition version, executes eligible steps through
// the middleware chain, applies retry and error-handling policy, and
// parks executions on delays, approvals, and scheduled retries.
//
// All state lives in the stores. Advance is idempotent: it derives the
// frontier from persisted step records, so a crashed or conflicted walk
// is safely re-run from the last durable point.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/action"
	"github.com/loomworks/loom/condition"
	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/ext"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/middleware"
)

// Stable failure codes recorded on executions and step attempts.
const (
	CodeStepTimeout      = "step_timeout"
	CodeExecutionTimeout = "execution_timeout"
	CodeApprovalTimeout  = "approval_timeout"
	CodeApprovalRejected = "approval_rejected"
	CodeLoopLimit        = "loop_limit_exceeded"
	CodeRetryCeiling     = "retry_ceiling"
	CodeNoRunner         = "no_runner"
	CodeOrphaned         = "orphaned"
	CodeBinding          = "binding_rejected"
	CodeCancelled        = "cancelled"
	CodeInternal         = "internal"
)

// Orchestrator drives executions forward. It is safe for concurrent use;
// each execution must only be advanced by one goroutine at a time, which
// the worker pool's claim protocol guarantees.
type Orchestrator struct {
	cfg        loom.Config
	defs       definition.Store
	execs      execution.Store
	graphs     *definition.GraphCache
	conditions *condition.Evaluator
	runners    *action.Registry
	hooks      *ext.Registry
	handler    middleware.Handler
	logger     *slog.Logger
}

// New creates an Orchestrator. The middleware chain wraps every step
// attempt; pass extra middlewares outermost-first.
func New(cfg loom.Config, defs definition.Store, execs execution.Store,
	runners *action.Registry, hooks *ext.Registry, logger *slog.Logger,
	extra ...middleware.Middleware) *Orchestrator {

	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		cfg:        cfg,
		defs:       defs,
		execs:      execs,
		graphs:     definition.NewGraphCache(),
		conditions: condition.NewEvaluator(),
		runners:    runners,
		hooks:      hooks,
		logger:     logger,
	}

	mws := []middleware.Middleware{middleware.Recover()}
	mws = append(mws, extra...)
	mws = append(mws,
		middleware.Logging(logger),
		middleware.Timeout(cfg.DefaultStepTimeout),
	)
	o.handler = middleware.Chain(o.runAttempt, mws...)
	return o
}

// Conditions exposes the shared condition evaluator so collaborators
// reuse its expression cache.
func (o *Orchestrator) Conditions() *condition.Evaluator { return o.conditions }

// Advance drives an execution until it parks, finishes, or the context
// ends. Revision conflicts from concurrent signal writers (cancel,
// approve) restart the walk from persisted state.
func (o *Orchestrator) Advance(ctx context.Context, executionID id.ExecutionID) error {
	limit := o.cfg.CASRetryLimit
	if limit < 1 {
		limit = 1
	}
	var err error
	for i := 0; i < limit; i++ {
		err = o.advanceOnce(ctx, executionID)
		if !errors.Is(err, loom.ErrRevisionConflict) {
			return err
		}
	}
	return fmt.Errorf("execution %s: walk kept losing revision races: %w", executionID, err)
}

func (o *Orchestrator) advanceOnce(ctx context.Context, executionID id.ExecutionID) error {
	e, err := o.execs.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if e.Status.Terminal() {
		return nil
	}

	def, err := o.defs.Get(ctx, e.WorkflowID, e.Version)
	if err != nil {
		return fmt.Errorf("load pinned definition: %w", err)
	}
	graph, err := o.graphs.Get(def)
	if err != nil {
		return err
	}

	if e.CancelRequested {
		return o.finish(ctx, e, execution.StatusCancelled, &execution.Failure{
			Code: CodeCancelled, Message: "cancelled by request",
		})
	}

	switch e.Status {
	case execution.StatusQueued:
		e.Status = execution.StatusRunning
		e.StartedAt = time.Now()
		if err := o.execs.UpdateExecution(ctx, e); err != nil {
			return err
		}
		o.hooks.ExecutionStarted(ctx, e)
		o.log(ctx, e, execution.LevelInfo, "", "execution started", nil)
	case execution.StatusPaused:
		resumed, err := o.resumeWait(ctx, e, def)
		if err != nil || !resumed {
			return err
		}
	}

	return o.walk(ctx, e, def, graph)
}

// resumeWait resolves a paused execution's wait if it is due. Returns
// false when the execution should stay parked.
func (o *Orchestrator) resumeWait(ctx context.Context, e *execution.Execution, def *definition.Definition) (bool, error) {
	now := time.Now()
	switch e.Waiting {
	case execution.WaitDelay:
		if e.ResumeAt.After(now) {
			return false, nil
		}
		// Complete the parked delay attempt.
		st, err := o.pendingStep(ctx, e, e.WaitStepID)
		if err != nil {
			return false, err
		}
		if st != nil {
			st.Succeed(map[string]any{"resumed_at": now.Format(time.RFC3339)})
			if err := o.execs.UpdateStep(ctx, st); err != nil {
				return false, err
			}
			o.hooks.StepCompleted(ctx, e, st)
		}
	case execution.WaitRetry:
		if e.ResumeAt.After(now) {
			return false, nil
		}
		// The pending attempt record carries NextAttemptAt; the walk
		// picks it up as due.
	case execution.WaitApproval:
		if e.ApprovalDeadline.IsZero() || e.ApprovalDeadline.After(now) {
			return false, nil
		}
		st, err := o.pendingStep(ctx, e, e.WaitStepID)
		if err != nil {
			return false, err
		}
		if st != nil {
			st.Decision = execution.DecisionExpired
			st.Fail(CodeApprovalTimeout, "no decision before deadline")
			if err := o.execs.UpdateStep(ctx, st); err != nil {
				return false, err
			}
			o.hooks.StepFailed(ctx, e, st)
			o.log(ctx, e, execution.LevelWarn, st.StepID, "approval timed out", nil)
		}
	default:
		return false, fmt.Errorf("execution %s: paused with unknown wait %q", e.ID, e.Waiting)
	}

	e.Status = execution.StatusRunning
	e.ClearWait()
	if err := o.execs.UpdateExecution(ctx, e); err != nil {
		return false, err
	}
	o.hooks.ExecutionResumed(ctx, e)
	return true, nil
}

// walk repeatedly computes the frontier and executes eligible steps until
// the execution parks or finishes.
func (o *Orchestrator) walk(ctx context.Context, e *execution.Execution, def *definition.Definition, graph *definition.Graph) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fresh, err := o.execs.GetExecution(ctx, e.ID)
		if err != nil {
			return err
		}
		if fresh.CancelRequested {
			return o.finish(ctx, fresh, execution.StatusCancelled, &execution.Failure{
				Code: CodeCancelled, Message: "cancelled by request",
			})
		}
		e = fresh
		if e.Status != execution.StatusRunning {
			return nil
		}

		if !e.Deadline.IsZero() && time.Now().After(e.Deadline) {
			return o.finish(ctx, e, execution.StatusTimeout, &execution.Failure{
				Code: CodeExecutionTimeout, Message: "max execution time exceeded",
			})
		}

		states, err := o.loadStates(ctx, e, graph)
		if err != nil {
			return err
		}

		next, done := o.frontier(ctx, e, def, graph, states)
		if done != nil {
			return o.finish(ctx, e, done.status, done.failure)
		}
		if next == nil {
			// Nothing eligible and nothing terminal: a scheduled retry or
			// parked wait owns the future. Leave it to the scheduler.
			return nil
		}

		parked, err := o.executeTopLevel(ctx, e, def, next)
		if err != nil || parked {
			return err
		}
	}
}

// stepState is the persisted attempt history of one step.
type stepState struct {
	spec     *definition.StepSpec
	attempts []*execution.Step
}

func (st *stepState) latest() *execution.Step {
	if len(st.attempts) == 0 {
		return nil
	}
	return st.attempts[len(st.attempts)-1]
}

func (o *Orchestrator) loadStates(ctx context.Context, e *execution.Execution, graph *definition.Graph) (map[string]*stepState, error) {
	records, err := o.execs.ListSteps(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	states := make(map[string]*stepState)
	for _, sid := range graph.TopLevel() {
		states[sid] = &stepState{spec: graph.Step(sid)}
	}
	for _, rec := range records {
		st, ok := states[rec.StepID]
		if !ok {
			// Embedded step record; not part of frontier bookkeeping.
			continue
		}
		st.attempts = append(st.attempts, rec)
	}

	// Finalize attempts orphaned by a crash mid-run. The claim protocol
	// means nobody else is executing them now; the record would otherwise
	// stay "running" in the step history forever.
	for _, st := range states {
		last := st.latest()
		if last == nil || last.Status != execution.StepRunning {
			continue
		}
		last.Fail(CodeOrphaned, "attempt abandoned by a crashed worker")
		if err := o.execs.UpdateStep(ctx, last); err != nil {
			return nil, err
		}
	}
	return states, nil
}

// outcome classifies a resolved top-level step.
type outcome int

const (
	outcomeUnresolved outcome = iota
	outcomeSuccess
	outcomeError
	outcomeTimeout
	outcomeSkipped
	outcomeWaiting // pending record owns the future (park or scheduled retry)
	outcomeRetry   // failed but another attempt is warranted now
)

// failed reports whether the outcome is a terminal failure of the step.
func (oc outcome) failed() bool {
	return oc == outcomeError || oc == outcomeTimeout
}

// resolve classifies a step's state under the effective retry policy.
func (o *Orchestrator) resolve(def *definition.Definition, st *stepState) outcome {
	last := st.latest()
	if last == nil {
		return outcomeUnresolved
	}
	switch last.Status {
	case execution.StepSuccess:
		return outcomeSuccess
	case execution.StepSkipped:
		return outcomeSkipped
	case execution.StepPending:
		if !last.NextAttemptAt.IsZero() && !last.NextAttemptAt.After(time.Now()) {
			return outcomeRetry
		}
		return outcomeWaiting
	case execution.StepRunning:
		// Orphaned by a crash mid-attempt. The record is abandoned and a
		// new attempt is made; runners must tolerate replays.
		return outcomeRetry
	case execution.StepFailed:
		if last.ErrorCode == CodeOrphaned {
			// A finalized orphan is always replayed, outside the retry
			// budget: the step may never have run at all.
			return outcomeRetry
		}
		if o.wantsRetry(def, st) {
			return outcomeRetry
		}
		return outcomeError
	case execution.StepTimeout:
		if o.wantsRetry(def, st) {
			return outcomeRetry
		}
		return outcomeTimeout
	}
	return outcomeUnresolved
}

type finalState struct {
	status  execution.Status
	failure *execution.Failure
}

// frontier returns the next eligible step, or the final state when the
// walk is complete. Skips are applied in place: a step whose incoming
// edges all resolved without firing is recorded skipped, which can
// cascade on the next pass.
func (o *Orchestrator) frontier(ctx context.Context, e *execution.Execution, def *definition.Definition, graph *definition.Graph, states map[string]*stepState) (*stepState, *finalState) {
	bindings := evalBindings(e)

	resolved := make(map[string]outcome, len(states))
	for sid, st := range states {
		resolved[sid] = o.resolve(def, st)
	}

	// A stop-policy failure ends the run before anything downstream can
	// become eligible. Continue and fallback failures flow through the
	// graph instead.
	for sid, st := range states {
		if !resolved[sid].failed() {
			continue
		}
		eh := def.ErrorHandlingFor(st.spec)
		switch eh.Strategy {
		case definition.StrategyContinue, definition.StrategyFallback:
			continue
		}
		last := st.latest()
		return nil, &finalState{
			status: execution.StatusFailed,
			failure: &execution.Failure{
				Code:    last.ErrorCode,
				Message: last.ErrorMessage,
				StepID:  sid,
			},
		}
	}

	waiting := false
	for {
		progressed := false
		for _, sid := range graph.TopLevel() {
			st := states[sid]
			switch resolved[sid] {
			case outcomeRetry:
				return st, nil
			case outcomeWaiting:
				waiting = true
				continue
			case outcomeUnresolved:
			default:
				continue
			}

			incoming := graph.Incoming(sid)
			if len(incoming) == 0 && sid != graph.Start() {
				continue
			}

			allResolved := true
			anyFired := false
			for _, edge := range incoming {
				src := resolved[edge.Source]
				switch src {
				case outcomeSuccess, outcomeError, outcomeTimeout, outcomeSkipped:
					if o.edgeFires(edge, src, states[edge.Source], bindings) {
						anyFired = true
					}
				default:
					allResolved = false
				}
			}
			if !allResolved {
				continue
			}
			if len(incoming) == 0 || anyFired {
				return st, nil
			}

			// All incoming resolved, none fired: policy skip.
			rec := execution.NewStep(e.ID, sid, len(st.attempts)+1)
			rec.Status = execution.StepSkipped
			rec.FinishedAt = time.Now()
			if err := o.execs.CreateStep(ctx, rec); err == nil {
				st.attempts = append(st.attempts, rec)
			}
			resolved[sid] = outcomeSkipped
			o.hooks.StepSkipped(ctx, e, sid)
			progressed = true
		}
		if !progressed {
			break
		}
	}

	// Also check fallback jumps: a failed step under fallback policy
	// makes its fallback target eligible.
	for sid, st := range states {
		if !resolved[sid].failed() {
			continue
		}
		eh := def.ErrorHandlingFor(st.spec)
		if eh.Strategy != definition.StrategyFallback {
			continue
		}
		target := states[eh.FallbackStepID]
		if target != nil && resolved[eh.FallbackStepID] == outcomeUnresolved {
			return target, nil
		}
	}

	if waiting {
		return nil, nil
	}

	// No eligible steps and nothing waiting: the walk is complete. Any
	// remaining failures were continue/fallback ones, recorded on their
	// steps but not fatal to the run.
	return nil, &finalState{status: execution.StatusSuccess}
}

// edgeFires decides whether an outcome-guarded edge fired.
func (o *Orchestrator) edgeFires(edge *definition.ConnectionSpec, src outcome, srcState *stepState, bindings map[string]any) bool {
	if src == outcomeSkipped {
		return false
	}
	switch edge.Guard {
	case definition.GuardAlways:
		return true
	case definition.GuardSuccess, "":
		return src == outcomeSuccess
	case definition.GuardError:
		// Timeouts are a failure; the dedicated timeout guard narrows,
		// error stays the superset.
		return src.failed()
	case definition.GuardTimeout:
		return src == outcomeTimeout
	case definition.GuardTrue, definition.GuardFalse:
		if src != outcomeSuccess {
			return false
		}
		last := srcState.latest()
		result, _ := last.Output["result"].(bool)
		if edge.Guard == definition.GuardTrue {
			return result
		}
		return !result
	case definition.GuardCondition:
		if src != outcomeSuccess {
			return false
		}
		ok, warnings := o.conditions.Evaluate(edge.Predicate, bindings)
		for _, w := range warnings {
			o.logger.Warn("connection predicate warning",
				slog.String("source", edge.Source),
				slog.String("target", edge.Target),
				slog.String("detail", w.Detail),
			)
		}
		return ok
	}
	return false
}

// finish moves the execution to a terminal state and fires hooks.
func (o *Orchestrator) finish(ctx context.Context, e *execution.Execution, status execution.Status, failure *execution.Failure) error {
	e.Finish(status, failure)
	if err := o.execs.UpdateExecution(ctx, e); err != nil {
		return err
	}

	fields := map[string]any{"status": string(status)}
	if failure != nil {
		fields["code"] = failure.Code
	}
	o.log(ctx, e, execution.LevelInfo, "", "execution finished", fields)

	switch status {
	case execution.StatusSuccess:
		o.hooks.ExecutionCompleted(ctx, e)
	case execution.StatusCancelled:
		o.hooks.ExecutionCancelled(ctx, e)
	default:
		o.hooks.ExecutionFailed(ctx, e)
	}
	return nil
}

// pendingStep returns the latest pending attempt record of a step.
func (o *Orchestrator) pendingStep(ctx context.Context, e *execution.Execution, stepID string) (*execution.Step, error) {
	records, err := o.execs.ListSteps(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	var found *execution.Step
	for _, rec := range records {
		if rec.StepID == stepID && rec.Status == execution.StepPending {
			found = rec
		}
	}
	return found, nil
}

// log appends to the execution's durable log; failures are reported to
// slog only, never to the caller.
func (o *Orchestrator) log(ctx context.Context, e *execution.Execution, level execution.LogLevel, stepID, message string, fields map[string]any) {
	entry := execution.NewLogEntry(e.ID, level, stepID, message, fields)
	if err := o.execs.AppendLog(ctx, entry); err != nil {
		o.logger.Warn("append execution log failed",
			slog.String("execution_id", e.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// evalBindings is the view predicates and runners evaluate against: the
// variable bindings plus the trigger payload under "trigger".
func evalBindings(e *execution.Execution) map[string]any {
	out := make(map[string]any, len(e.Bindings)+1)
	for k, v := range e.Bindings {
		out[k] = v
	}
	if e.TriggerData != nil {
		out["trigger"] = e.TriggerData
	}
	return out
}
