// Package worker runs the pool that claims queued executions and drives
// them through the orchestrator. Claiming is a compare-and-swap write of
// the worker ID onto an unclaimed execution, so two pools sharing a
// store never advance the same execution concurrently; the claim is
// released once the advance parks or finishes.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
)

// AdvanceFunc drives one claimed execution; typically
// (*orchestrator.Orchestrator).Advance.
type AdvanceFunc func(ctx context.Context, executionID id.ExecutionID) error

// Pool polls for queued executions and advances them with bounded
// concurrency.
type Pool struct {
	cfg     loom.Config
	execs   execution.Store
	advance AdvanceFunc
	logger  *slog.Logger

	workerID id.WorkerID
	kick     chan struct{}
	wg       sync.WaitGroup
}

// New creates a Pool with a fresh worker identity.
func New(cfg loom.Config, execs execution.Store, advance AdvanceFunc, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		execs:    execs,
		advance:  advance,
		logger:   logger,
		workerID: id.NewWorkerID(),
		kick:     make(chan struct{}, 1),
	}
}

// Kick prompts an immediate poll, e.g. right after an execution is
// enqueued. Non-blocking.
func (p *Pool) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Run polls until the context ends, then waits for in-flight executions
// to park or finish.
func (p *Pool) Run(ctx context.Context) {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	concurrency := p.cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return
		case <-ticker.C:
		case <-p.kick:
		}
		p.poll(ctx, sem)
	}
}

func (p *Pool) poll(ctx context.Context, sem chan struct{}) {
	runnable, err := p.execs.ListExecutions(ctx, execution.ListFilter{
		Statuses: []execution.Status{execution.StatusQueued},
	})
	if err != nil {
		p.logger.Error("list queued executions failed", slog.String("error", err.Error()))
		return
	}

	for _, e := range runnable {
		if !e.ClaimedBy.IsNil() {
			// Another worker holds it, or a crashed worker left a stale
			// claim that startup recovery will clear.
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		if !p.claim(ctx, e) {
			<-sem
			continue
		}

		p.wg.Add(1)
		go func(execID id.ExecutionID) {
			defer p.wg.Done()
			defer func() { <-sem }()
			if err := p.advance(ctx, execID); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("advancing execution failed",
					slog.String("execution_id", execID.String()),
					slog.String("worker_id", p.workerID.String()),
					slog.String("error", err.Error()),
				)
			}
			// Release even when ctx was cancelled mid-advance, so the
			// execution is not stranded behind a dead claim.
			p.release(context.WithoutCancel(ctx), execID)
		}(e.ID)
	}
}

// claim writes this worker's ID onto an unclaimed execution with a CAS;
// a conflict or an existing claim means another worker got there first.
func (p *Pool) claim(ctx context.Context, e *execution.Execution) bool {
	if !e.ClaimedBy.IsNil() {
		return false
	}
	e.ClaimedBy = p.workerID
	err := p.execs.UpdateExecution(ctx, e)
	if err == nil {
		return true
	}
	if !errors.Is(err, loom.ErrRevisionConflict) {
		p.logger.Warn("claiming execution failed",
			slog.String("execution_id", e.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	return false
}

// release clears this worker's claim once the advance has parked or
// finished the execution, so later polls and other workers can pick it
// up again. Conflicts with signal writers are retried on a fresh read.
func (p *Pool) release(ctx context.Context, execID id.ExecutionID) {
	for {
		e, err := p.execs.GetExecution(ctx, execID)
		if err != nil {
			return
		}
		if e.ClaimedBy != p.workerID || e.Status.Terminal() {
			return
		}
		e.ClaimedBy = id.Nil
		err = p.execs.UpdateExecution(ctx, e)
		if err == nil || !errors.Is(err, loom.ErrRevisionConflict) {
			return
		}
	}
}
