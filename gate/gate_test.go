package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/store/memory"
)

func gateDef(limit int, rateLimit float64) *definition.Definition {
	def := &definition.Definition{
		ID:      id.NewWorkflowID(),
		Name:    "gated",
		Version: 1,
		Trigger: definition.TriggerSpec{Kind: definition.TriggerManual, Enabled: true},
		Steps: []definition.StepSpec{
			{ID: "only", Kind: definition.KindAction, Action: &definition.ActionConfig{Type: "noop"}},
		},
	}
	def.Settings.MaxConcurrentExecutions = limit
	def.Settings.RateLimit = rateLimit
	return def
}

func TestAdmit_ConcurrencyCap(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	def := gateDef(2, 0)
	require.NoError(t, store.Publish(ctx, def))

	g := New(store)
	require.NoError(t, g.Admit(ctx, def))

	// Two active executions hit the cap.
	for i := 0; i < 2; i++ {
		e := execution.New(def, "manual:test", nil)
		require.NoError(t, store.CreateExecution(ctx, e))
	}
	err := g.Admit(ctx, def)
	assert.ErrorIs(t, err, loom.ErrConcurrencyLimit)

	// Finished executions free capacity.
	active, err2 := store.ListExecutions(ctx, execution.ListFilter{WorkflowID: def.ID})
	require.NoError(t, err2)
	victim := active[0]
	victim.Status = execution.StatusSuccess
	require.NoError(t, store.UpdateExecution(ctx, victim))

	assert.NoError(t, g.Admit(ctx, def))
}

func TestAdmit_RateLimit(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	def := gateDef(0, 1) // 1 start/second, burst 1

	g := New(store)
	require.NoError(t, g.Admit(ctx, def))
	err := g.Admit(ctx, def)
	assert.ErrorIs(t, err, loom.ErrConcurrencyLimit)

	// Forget drops the limiter, so the next admit starts a fresh budget.
	g.Forget(def.ID)
	assert.NoError(t, g.Admit(ctx, def))
}

func TestAdmit_Unlimited(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	def := gateDef(0, 0)

	g := New(store)
	for i := 0; i < 10; i++ {
		e := execution.New(def, "manual:test", nil)
		require.NoError(t, store.CreateExecution(ctx, e))
		require.NoError(t, g.Admit(ctx, def))
	}
}
