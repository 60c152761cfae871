// Package gate enforces per-workflow admission policy: a concurrency cap
// on active executions and a sustained start-rate limit.
package gate

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
)

// Gate admits or rejects new executions per workflow settings.
type Gate struct {
	store execution.Store

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Gate counting active executions through the store.
func New(store execution.Store) *Gate {
	return &Gate{
		store:    store,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Admit checks the definition's rate limit and concurrency cap. A
// rejection is loom.ErrConcurrencyLimit; callers surface it to the
// trigger source rather than queueing unboundedly.
func (g *Gate) Admit(ctx context.Context, def *definition.Definition) error {
	if def.Settings.RateLimit > 0 {
		if !g.limiter(def).Allow() {
			return fmt.Errorf("workflow %s: start rate exceeded: %w", def.ID, loom.ErrConcurrencyLimit)
		}
	}

	limit := def.Settings.MaxConcurrentExecutions
	if limit <= 0 {
		return nil
	}
	active, err := g.store.CountActive(ctx, def.ID)
	if err != nil {
		return fmt.Errorf("count active executions: %w", err)
	}
	if active >= limit {
		return fmt.Errorf("workflow %s: %d active executions at cap %d: %w",
			def.ID, active, limit, loom.ErrConcurrencyLimit)
	}
	return nil
}

// limiter returns the per-workflow rate limiter, creating it on first
// use. The limiter is keyed by workflow ID only: republishing with a new
// rate swaps the limiter.
func (g *Gate) limiter(def *definition.Definition) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := def.ID.String()
	lim, ok := g.limiters[key]
	if !ok || lim.Limit() != rate.Limit(def.Settings.RateLimit) {
		burst := int(def.Settings.RateLimit)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(def.Settings.RateLimit), burst)
		g.limiters[key] = lim
	}
	return lim
}

// Forget drops cached limiter state for a workflow.
func (g *Gate) Forget(workflowID id.WorkflowID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.limiters, workflowID.String())
}
