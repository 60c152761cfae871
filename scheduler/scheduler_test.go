package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/store/memory"
)

func scheduledDef(t *testing.T, store *memory.Store, schedule string) *definition.Definition {
	t.Helper()
	def := &definition.Definition{
		ID:      id.NewWorkflowID(),
		Name:    "nightly",
		Version: 1,
		Trigger: definition.TriggerSpec{
			Kind:     definition.TriggerSchedule,
			Schedule: schedule,
			Enabled:  true,
		},
		Steps: []definition.StepSpec{
			{ID: "only", Kind: definition.KindAction, Action: &definition.ActionConfig{Type: "noop"}},
		},
	}
	require.NoError(t, store.Publish(context.Background(), def))
	return def
}

func TestTick_FiresDueSchedules(t *testing.T) {
	store := memory.New()
	def := scheduledDef(t, store, "0 * * * *") // hourly

	var fired atomic.Int64
	s := New(loom.DefaultConfig(), store, store,
		func(ctx context.Context, got *definition.Definition) error {
			assert.Equal(t, def.ID, got.ID)
			fired.Add(1)
			return nil
		},
		func(ctx context.Context, executionID id.ExecutionID) error { return nil },
		nil,
	)

	base := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	ctx := context.Background()

	// First observation primes the next occurrence without firing, so a
	// restart never replays a missed window.
	s.Tick(ctx, base)
	assert.EqualValues(t, 0, fired.Load())

	// Still before 11:00.
	s.Tick(ctx, base.Add(10*time.Minute))
	assert.EqualValues(t, 0, fired.Load())

	// Past the occurrence: exactly one firing, and the next one advances.
	s.Tick(ctx, base.Add(31*time.Minute))
	assert.EqualValues(t, 1, fired.Load())
	s.Tick(ctx, base.Add(32*time.Minute))
	assert.EqualValues(t, 1, fired.Load())

	// The following hour fires again.
	s.Tick(ctx, base.Add(time.Hour+31*time.Minute))
	assert.EqualValues(t, 2, fired.Load())
}

func TestTick_DisabledTriggerNeverFires(t *testing.T) {
	store := memory.New()
	def := scheduledDef(t, store, "* * * * *")
	def.Trigger.Enabled = false

	var fired atomic.Int64
	s := New(loom.DefaultConfig(), store, store,
		func(ctx context.Context, got *definition.Definition) error {
			fired.Add(1)
			return nil
		},
		func(ctx context.Context, executionID id.ExecutionID) error { return nil },
		nil,
	)

	now := time.Now()
	for i := 0; i < 3; i++ {
		s.Tick(context.Background(), now.Add(time.Duration(i)*time.Minute))
	}
	assert.EqualValues(t, 0, fired.Load())
}

func TestTick_ScheduleChangeResets(t *testing.T) {
	store := memory.New()
	def := scheduledDef(t, store, "0 * * * *")

	var fired atomic.Int64
	s := New(loom.DefaultConfig(), store, store,
		func(ctx context.Context, got *definition.Definition) error {
			fired.Add(1)
			return nil
		},
		func(ctx context.Context, executionID id.ExecutionID) error { return nil },
		nil,
	)

	base := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	ctx := context.Background()
	s.Tick(ctx, base)

	// Republishing with a different schedule keys a fresh entry: the new
	// schedule primes on first sight instead of inheriting the old next
	// occurrence.
	next := &definition.Definition{
		ID:      def.ID,
		Name:    def.Name,
		Version: 2,
		Trigger: definition.TriggerSpec{
			Kind:     definition.TriggerSchedule,
			Schedule: "*/5 * * * *",
			Enabled:  true,
		},
		Steps: def.Steps,
	}
	require.NoError(t, store.Publish(ctx, next))

	s.Tick(ctx, base.Add(time.Minute))
	assert.EqualValues(t, 0, fired.Load())
	s.Tick(ctx, base.Add(6*time.Minute))
	assert.EqualValues(t, 1, fired.Load())
}

func TestTick_WakesDueExecutions(t *testing.T) {
	store := memory.New()
	def := scheduledDef(t, store, "0 * * * *")
	ctx := context.Background()

	parked := execution.New(def, "manual:test", nil)
	parked.Status = execution.StatusPaused
	parked.Waiting = execution.WaitDelay
	parked.ResumeAt = time.Now().Add(-time.Second)
	require.NoError(t, store.CreateExecution(ctx, parked))

	notDue := execution.New(def, "manual:test", nil)
	notDue.Status = execution.StatusPaused
	notDue.Waiting = execution.WaitDelay
	notDue.ResumeAt = time.Now().Add(time.Hour)
	require.NoError(t, store.CreateExecution(ctx, notDue))

	var woken []id.ExecutionID
	s := New(loom.DefaultConfig(), store, store,
		func(ctx context.Context, got *definition.Definition) error { return nil },
		func(ctx context.Context, executionID id.ExecutionID) error {
			woken = append(woken, executionID)
			return nil
		},
		nil,
	)

	s.Tick(ctx, time.Now())
	require.Len(t, woken, 1)
	assert.Equal(t, parked.ID, woken[0])
}
