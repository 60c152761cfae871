package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/action"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/middleware"
)

// executeTopLevel runs one eligible top-level step. It returns parked
// when the execution was suspended (delay, approval, scheduled retry) or
// finished, in which case the walk must stop.
func (o *Orchestrator) executeTopLevel(ctx context.Context, e *execution.Execution, def *definition.Definition, st *stepState) (bool, error) {
	spec := st.spec

	switch spec.Kind {
	case definition.KindDelay:
		return true, o.parkDelay(ctx, e, st)
	case definition.KindApproval:
		return true, o.parkApproval(ctx, e, st)
	}

	// Reuse a due pending retry record, otherwise open a new attempt.
	rec := st.latest()
	if rec == nil || rec.Status != execution.StepPending {
		rec = execution.NewStep(e.ID, spec.ID, madeAttempts(st)+1)
		if err := o.execs.CreateStep(ctx, rec); err != nil {
			return false, err
		}
		st.attempts = append(st.attempts, rec)
	}

	bindings := evalBindings(e)
	rec.Input = bindings
	rec.NextAttemptAt = time.Time{}
	rec.Start()
	if err := o.execs.UpdateStep(ctx, rec); err != nil {
		return false, err
	}
	o.hooks.StepStarted(ctx, e, rec)

	out, err := o.handler(ctx, &middleware.Request{
		Execution:  e,
		Definition: def,
		Spec:       spec,
		Attempt:    rec.Attempt,
		Bindings:   bindings,
	})
	if err != nil {
		return o.handleFailure(ctx, e, def, st, rec, err)
	}

	rec.Succeed(out)
	if spec.OutputVar != "" && out != nil {
		if berr := e.SetBinding(def, spec.OutputVar, out); berr != nil {
			rec.Fail(CodeBinding, berr.Error())
			if uerr := o.execs.UpdateStep(ctx, rec); uerr != nil {
				return false, uerr
			}
			return o.handleFailure(ctx, e, def, st, rec, berr)
		}
	}
	if err := o.execs.UpdateStep(ctx, rec); err != nil {
		return false, err
	}
	if err := o.execs.UpdateExecution(ctx, e); err != nil {
		return false, err
	}
	o.hooks.StepCompleted(ctx, e, rec)
	o.log(ctx, e, execution.LevelInfo, spec.ID, "step succeeded", map[string]any{"attempt": rec.Attempt})
	return false, nil
}

// handleFailure records the failed attempt and applies retry and
// error-handling policy. The rec may already be terminal (binding
// failure); otherwise it is failed here.
func (o *Orchestrator) handleFailure(ctx context.Context, e *execution.Execution, def *definition.Definition, st *stepState, rec *execution.Step, cause error) (bool, error) {
	if !rec.Status.Terminal() {
		code := failureCode(cause)
		if code == CodeStepTimeout {
			rec.Status = execution.StepTimeout
			rec.ErrorCode = code
			rec.ErrorMessage = cause.Error()
			rec.FinishedAt = time.Now()
			rec.Touch()
		} else {
			rec.Fail(code, cause.Error())
		}
		if err := o.execs.UpdateStep(ctx, rec); err != nil {
			return false, err
		}
	}
	o.hooks.StepFailed(ctx, e, rec)
	o.log(ctx, e, execution.LevelError, rec.StepID, "step failed", map[string]any{
		"attempt": rec.Attempt,
		"code":    rec.ErrorCode,
		"error":   rec.ErrorMessage,
	})

	if o.wantsRetry(def, st) {
		delay := o.retryDelay(def, st)
		o.hooks.StepRetrying(ctx, e, rec)
		if delay <= 0 {
			// Immediate retry: the walk picks the step up again.
			return false, nil
		}
		next := execution.NewStep(e.ID, rec.StepID, madeAttempts(st)+1)
		next.NextAttemptAt = time.Now().Add(delay)
		if err := o.execs.CreateStep(ctx, next); err != nil {
			return false, err
		}
		st.attempts = append(st.attempts, next)
		e.Suspend(execution.WaitRetry, rec.StepID, next.NextAttemptAt, time.Time{})
		if err := o.execs.UpdateExecution(ctx, e); err != nil {
			return true, err
		}
		o.hooks.ExecutionPaused(ctx, e)
		return true, nil
	}

	eh := def.ErrorHandlingFor(st.spec)
	switch eh.Strategy {
	case definition.StrategyContinue:
		o.log(ctx, e, execution.LevelWarn, rec.StepID, "continuing past failed step", nil)
		return false, nil
	case definition.StrategyFallback:
		o.log(ctx, e, execution.LevelWarn, rec.StepID, "jumping to fallback step", map[string]any{
			"fallback": eh.FallbackStepID,
		})
		return false, nil
	case definition.StrategyRetry:
		// Forced retries exhausted the hard ceiling.
		return true, o.finish(ctx, e, execution.StatusFailed, &execution.Failure{
			Code:    CodeRetryCeiling,
			Message: fmt.Sprintf("step %s exceeded the forced retry ceiling: %v", rec.StepID, loom.ErrRetryCeiling),
			StepID:  rec.StepID,
		})
	default: // stop
		return true, o.finish(ctx, e, execution.StatusFailed, &execution.Failure{
			Code:    rec.ErrorCode,
			Message: rec.ErrorMessage,
			StepID:  rec.StepID,
		})
	}
}

func (o *Orchestrator) parkDelay(ctx context.Context, e *execution.Execution, st *stepState) error {
	spec := st.spec
	rec := execution.NewStep(e.ID, spec.ID, len(st.attempts)+1)
	rec.ResumeAt = time.Now().Add(spec.Delay.Duration)
	if err := o.execs.CreateStep(ctx, rec); err != nil {
		return err
	}

	e.Suspend(execution.WaitDelay, spec.ID, rec.ResumeAt, time.Time{})
	if err := o.execs.UpdateExecution(ctx, e); err != nil {
		return err
	}
	o.hooks.ExecutionPaused(ctx, e)
	o.log(ctx, e, execution.LevelInfo, spec.ID, "execution paused on delay", map[string]any{
		"resume_at": rec.ResumeAt.Format(time.RFC3339),
	})
	return nil
}

func (o *Orchestrator) parkApproval(ctx context.Context, e *execution.Execution, st *stepState) error {
	spec := st.spec
	rec := execution.NewStep(e.ID, spec.ID, len(st.attempts)+1)
	var deadline time.Time
	if spec.Approval.Timeout > 0 {
		deadline = time.Now().Add(spec.Approval.Timeout)
		rec.ApprovalDeadline = deadline
	}
	if err := o.execs.CreateStep(ctx, rec); err != nil {
		return err
	}

	e.Suspend(execution.WaitApproval, spec.ID, time.Time{}, deadline)
	if err := o.execs.UpdateExecution(ctx, e); err != nil {
		return err
	}
	o.hooks.ApprovalRequested(ctx, e, rec)
	o.hooks.ExecutionPaused(ctx, e)
	o.log(ctx, e, execution.LevelInfo, spec.ID, "execution paused on approval", map[string]any{
		"approvers": spec.Approval.Approvers,
	})
	return nil
}

// runAttempt is the innermost handler of the middleware chain.
func (o *Orchestrator) runAttempt(ctx context.Context, req *middleware.Request) (map[string]any, error) {
	spec := req.Spec
	switch spec.Kind {
	case definition.KindAction, definition.KindNotification, definition.KindIntegration:
		runner, ok := o.runners.Get(spec.Action.Type)
		if !ok {
			return nil, action.Errorf(CodeNoRunner, "no runner registered for action type %q", spec.Action.Type)
		}
		res, err := runner.Run(ctx, spec.Action, req.Bindings)
		if err != nil {
			return nil, err
		}
		if res == nil {
			return map[string]any{}, nil
		}
		return res.Output, nil

	case definition.KindCondition:
		ok, warnings := o.conditions.Evaluate(spec.Condition.Predicate, req.Bindings)
		for _, w := range warnings {
			o.logger.Warn("condition step warning",
				slog.String("execution_id", req.Execution.ID.String()),
				slog.String("step_id", spec.ID),
				slog.String("detail", w.Detail),
			)
			o.log(ctx, req.Execution, execution.LevelWarn, spec.ID, "condition warning", map[string]any{
				"kind":   string(w.Kind),
				"detail": w.Detail,
			})
		}
		return map[string]any{"result": ok}, nil

	case definition.KindLoop:
		return o.runLoop(ctx, req)

	case definition.KindParallel:
		return o.runParallel(ctx, req)

	default:
		return nil, fmt.Errorf("step %s: kind %q is not directly executable", spec.ID, spec.Kind)
	}
}

// runLoop executes the body steps once per iteration, bounded by the
// iteration cap. Body outputs bind between iterations, so later
// iterations see earlier writes.
func (o *Orchestrator) runLoop(ctx context.Context, req *middleware.Request) (map[string]any, error) {
	lc := req.Spec.Loop
	def := req.Definition
	e := req.Execution

	capLimit := def.Settings.LoopIterationCap
	if capLimit <= 0 {
		capLimit = o.cfg.LoopIterationCap
	}
	if capLimit <= 0 {
		capLimit = loom.DefaultLoopIterationCap
	}

	var collection []any
	if lc.Mode == definition.LoopForeach {
		raw, ok := evalBindings(e)[lc.Collection]
		if !ok {
			return nil, action.Errorf(CodeBinding, "loop collection %q is unbound", lc.Collection)
		}
		collection, ok = raw.([]any)
		if !ok {
			return nil, action.Errorf(CodeBinding, "loop collection %q is %T, want array", lc.Collection, raw)
		}
	}

	iterations := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch lc.Mode {
		case definition.LoopFor:
			if iterations >= lc.Count {
				return map[string]any{"iterations": iterations}, nil
			}
		case definition.LoopForeach:
			if iterations >= len(collection) {
				return map[string]any{"iterations": iterations}, nil
			}
		case definition.LoopWhile:
			ok, _ := o.conditions.Evaluate(lc.Until, evalBindings(e))
			if !ok {
				return map[string]any{"iterations": iterations}, nil
			}
		}

		if iterations >= capLimit {
			return nil, &action.Error{
				Code:    CodeLoopLimit,
				Message: fmt.Sprintf("loop %s hit the iteration cap (%d)", req.Spec.ID, capLimit),
				Cause:   loom.ErrLoopLimitExceeded,
			}
		}

		if lc.Mode == definition.LoopForeach && lc.ItemVar != "" {
			if err := e.SetBinding(def, lc.ItemVar, collection[iterations]); err != nil {
				return nil, action.Errorf(CodeBinding, "%v", err)
			}
		}
		if lc.IndexVar != "" {
			if err := e.SetBinding(def, lc.IndexVar, iterations); err != nil {
				return nil, action.Errorf(CodeBinding, "%v", err)
			}
		}

		for _, bodyID := range lc.Body {
			body := def.Step(bodyID)
			out, err := o.runEmbedded(ctx, e, def, body, evalBindings(e))
			if err != nil {
				eh := def.ErrorHandlingFor(body)
				if eh.Strategy == definition.StrategyContinue {
					o.log(ctx, e, execution.LevelWarn, bodyID, "continuing past failed body step", nil)
					continue
				}
				return nil, fmt.Errorf("iteration %d, step %s: %w", iterations, bodyID, err)
			}
			if body.OutputVar != "" && out != nil {
				if berr := e.SetBinding(def, body.OutputVar, out); berr != nil {
					return nil, action.Errorf(CodeBinding, "%v", berr)
				}
			}
		}

		iterations++
	}
}

// runParallel fans the branches out on an errgroup and joins per the
// configured mode. Branch outputs merge into the bindings only after the
// join, in declaration order, so concurrent branches never race on the
// execution record.
func (o *Orchestrator) runParallel(ctx context.Context, req *middleware.Request) (map[string]any, error) {
	pc := req.Spec.Parallel
	def := req.Definition
	e := req.Execution
	base := evalBindings(e)

	results := make([]map[string]any, len(pc.Branches))

	runBranch := func(ctx context.Context, i int) error {
		br := pc.Branches[i]
		outs := make(map[string]any)

		// Branch-local view: base snapshot plus this branch's own writes.
		view := make(map[string]any, len(base))
		for k, v := range base {
			view[k] = v
		}

		for _, sid := range br.Steps {
			spec := def.Step(sid)
			out, err := o.runEmbedded(ctx, e, def, spec, view)
			if err != nil {
				eh := def.ErrorHandlingFor(spec)
				if eh.Strategy == definition.StrategyContinue {
					continue
				}
				return fmt.Errorf("branch %s, step %s: %w", br.Name, sid, err)
			}
			if spec.OutputVar != "" && out != nil {
				outs[spec.OutputVar] = out
				view[spec.OutputVar] = out
			}
		}
		results[i] = outs
		return nil
	}

	join := pc.Join
	if join == "" {
		join = definition.JoinAll
	}

	switch join {
	case definition.JoinAny:
		if err := o.joinAny(ctx, len(pc.Branches), runBranch); err != nil {
			return nil, err
		}
	default:
		g, gctx := errgroup.WithContext(ctx)
		for i := range pc.Branches {
			g.Go(func() error { return runBranch(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	// Merge in declaration order; later branches win on collisions.
	for i := range results {
		for name, v := range results[i] {
			if err := e.SetBinding(def, name, v); err != nil {
				return nil, action.Errorf(CodeBinding, "%v", err)
			}
		}
	}
	return map[string]any{"branches": len(pc.Branches)}, nil
}

// joinAny runs all branches, cancelling the rest once one succeeds, and
// returns nil if any branch won. It waits for every branch to exit
// before returning so that no branch goroutine outlives the join and
// writes its result or step records behind the merge's back. When every
// branch fails it returns the last error.
func (o *Orchestrator) joinAny(ctx context.Context, n int, run func(ctx context.Context, i int) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- run(ctx, i)
		}(i)
	}

	won := false
	var lastErr error
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			lastErr = err
			continue
		}
		if !won {
			won = true
			cancel()
		}
	}
	wg.Wait()

	if won {
		return nil
	}
	return lastErr
}

// runEmbedded executes a loop-body or branch step with inline retries.
// Each attempt gets its own record; suspension kinds are executed as
// bounded in-place waits rather than parking the whole execution.
func (o *Orchestrator) runEmbedded(ctx context.Context, e *execution.Execution, def *definition.Definition, spec *definition.StepSpec, bindings map[string]any) (map[string]any, error) {
	prior, err := o.execs.ListSteps(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	attempt := 0
	for _, rec := range prior {
		if rec.StepID == spec.ID {
			attempt++
		}
	}

	rc := def.RetryFor(spec)
	maxAttempts := 1
	if rc != nil && rc.MaxAttempts > 0 {
		maxAttempts = 1 + rc.MaxAttempts
	}

	for tries := 1; ; tries++ {
		attempt++
		rec := execution.NewStep(e.ID, spec.ID, attempt)
		rec.Input = bindings
		rec.Start()
		if err := o.execs.CreateStep(ctx, rec); err != nil {
			return nil, err
		}
		o.hooks.StepStarted(ctx, e, rec)

		out, err := o.runEmbeddedOnce(ctx, e, def, spec, bindings)
		if err == nil {
			rec.Succeed(out)
			if uerr := o.execs.UpdateStep(ctx, rec); uerr != nil {
				return nil, uerr
			}
			o.hooks.StepCompleted(ctx, e, rec)
			return out, nil
		}

		code := failureCode(err)
		rec.Fail(code, err.Error())
		if uerr := o.execs.UpdateStep(ctx, rec); uerr != nil {
			return nil, uerr
		}
		o.hooks.StepFailed(ctx, e, rec)

		if ctx.Err() != nil {
			return nil, err
		}
		if tries >= maxAttempts || rc == nil || !retryable(rc, code) {
			return nil, err
		}

		delay := backoff.ForName(rc.BackoffStrategy, rc.RetryDelay).Delay(tries)
		o.hooks.StepRetrying(ctx, e, rec)
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// runEmbeddedOnce executes one embedded attempt. Delay steps wait in
// place; the remaining kinds reuse the top-level dispatch.
func (o *Orchestrator) runEmbeddedOnce(ctx context.Context, e *execution.Execution, def *definition.Definition, spec *definition.StepSpec, bindings map[string]any) (map[string]any, error) {
	if spec.Kind == definition.KindDelay {
		timer := time.NewTimer(spec.Delay.Duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return map[string]any{}, nil
		}
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	return o.runAttempt(runCtx, &middleware.Request{
		Execution:  e,
		Definition: def,
		Spec:       spec,
		Bindings:   bindings,
	})
}

// failureCode derives the stable error code recorded on an attempt.
func failureCode(err error) string {
	var aerr *action.Error
	if errors.As(err, &aerr) {
		return aerr.Code
	}
	var berr *execution.BindingError
	if errors.As(err, &berr) {
		return CodeBinding
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeStepTimeout
	}
	return CodeInternal
}
