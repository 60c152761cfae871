package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
)

// Cancel requests cancellation. Queued and paused executions finish
// immediately; a running one stops at its next step boundary. The
// running step is never interrupted mid-flight.
func (o *Orchestrator) Cancel(ctx context.Context, executionID id.ExecutionID) error {
	limit := o.cfg.CASRetryLimit
	if limit < 1 {
		limit = 1
	}
	for i := 0; i < limit; i++ {
		e, err := o.execs.GetExecution(ctx, executionID)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			return fmt.Errorf("execution %s is %s: %w", e.ID, e.Status, loom.ErrExecutionTerminal)
		}

		e.CancelRequested = true
		if e.Status == execution.StatusQueued || e.Status == execution.StatusPaused {
			return o.finish(ctx, e, execution.StatusCancelled, &execution.Failure{
				Code: CodeCancelled, Message: "cancelled by request",
			})
		}
		err = o.execs.UpdateExecution(ctx, e)
		if err == nil {
			return nil
		}
		if !errors.Is(err, loom.ErrRevisionConflict) {
			return err
		}
	}
	return fmt.Errorf("execution %s: cancel kept losing revision races: %w", executionID, loom.ErrRevisionConflict)
}

// Decide resolves a pending approval. When approvers are declared on the
// step, the actor must be one of them. The caller advances the execution
// afterwards; a rejection surfaces as a failed step under the step's
// error-handling policy.
func (o *Orchestrator) Decide(ctx context.Context, executionID id.ExecutionID, actor string, approved bool) error {
	e, err := o.execs.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if e.Status != execution.StatusPaused || e.Waiting != execution.WaitApproval {
		return fmt.Errorf("execution %s is not waiting for approval", e.ID)
	}

	def, err := o.defs.Get(ctx, e.WorkflowID, e.Version)
	if err != nil {
		return err
	}
	spec := def.Step(e.WaitStepID)
	if spec == nil || spec.Approval == nil {
		return fmt.Errorf("execution %s: wait step %q is not an approval", e.ID, e.WaitStepID)
	}
	if len(spec.Approval.Approvers) > 0 {
		allowed := false
		for _, a := range spec.Approval.Approvers {
			if a == actor {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("actor %q may not decide step %s: %w", actor, spec.ID, loom.ErrPermissionDenied)
		}
	}

	rec, err := o.pendingStep(ctx, e, e.WaitStepID)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("execution %s: no pending approval record for step %s", e.ID, e.WaitStepID)
	}
	if !rec.ApprovalDeadline.IsZero() && time.Now().After(rec.ApprovalDeadline) {
		return fmt.Errorf("approval for step %s: %w", spec.ID, loom.ErrApprovalTimeout)
	}

	rec.DecidedBy = actor
	if approved {
		rec.Decision = execution.DecisionApproved
		rec.Succeed(map[string]any{"approved": true, "decided_by": actor})
	} else {
		rec.Decision = execution.DecisionRejected
		rec.Fail(CodeApprovalRejected, fmt.Sprintf("rejected by %s: %v", actor, loom.ErrApprovalRejected))
	}
	if err := o.execs.UpdateStep(ctx, rec); err != nil {
		return err
	}
	o.hooks.ApprovalDecided(ctx, e, rec)
	if approved {
		o.hooks.StepCompleted(ctx, e, rec)
	} else {
		o.hooks.StepFailed(ctx, e, rec)
	}
	o.log(ctx, e, execution.LevelInfo, spec.ID, "approval decided", map[string]any{
		"decision":   string(rec.Decision),
		"decided_by": actor,
	})

	e.Status = execution.StatusRunning
	e.ClearWait()
	if err := o.execs.UpdateExecution(ctx, e); err != nil {
		return err
	}
	o.hooks.ExecutionResumed(ctx, e)
	return nil
}
