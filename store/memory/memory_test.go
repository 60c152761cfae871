package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
)

func newDef(version int) *definition.Definition {
	return &definition.Definition{
		ID:      id.NewWorkflowID(),
		Name:    "wf",
		Version: version,
		Trigger: definition.TriggerSpec{Kind: definition.TriggerManual, Enabled: true},
	}
}

func TestPublishAndActivate(t *testing.T) {
	ctx := context.Background()
	s := New()

	v1 := newDef(1)
	require.NoError(t, s.Publish(ctx, v1))

	got, err := s.GetActive(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, definition.StatusActive, got.Status)

	// Publishing v2 demotes v1.
	v2 := newDef(2)
	v2.ID = v1.ID
	require.NoError(t, s.Publish(ctx, v2))

	got, err = s.GetActive(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	old, err := s.Get(ctx, v1.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, definition.StatusInactive, old.Status)

	// Republishing an existing version is rejected.
	dup := newDef(2)
	dup.ID = v1.ID
	assert.ErrorIs(t, s.Publish(ctx, dup), loom.ErrDefinitionExists)

	versions, err := s.ListVersions(ctx, v1.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	s := New()
	def := newDef(1)
	require.NoError(t, s.Publish(ctx, def))

	require.NoError(t, s.Deactivate(ctx, def.ID))
	_, err := s.GetActive(ctx, def.ID)
	assert.ErrorIs(t, err, loom.ErrNoActiveVersion)

	_, err = s.GetActive(ctx, id.NewWorkflowID())
	assert.ErrorIs(t, err, loom.ErrDefinitionNotFound)
}

func TestExecutionCAS(t *testing.T) {
	ctx := context.Background()
	s := New()
	def := newDef(1)
	e := execution.New(def, "manual:alice", nil)
	require.NoError(t, s.CreateExecution(ctx, e))
	assert.ErrorIs(t, s.CreateExecution(ctx, e), loom.ErrExecutionExists)

	a, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	b, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)

	a.Status = execution.StatusRunning
	require.NoError(t, s.UpdateExecution(ctx, a))
	assert.EqualValues(t, 2, a.Revision)

	// b read revision 1; its write must lose.
	b.Status = execution.StatusCancelled
	assert.ErrorIs(t, s.UpdateExecution(ctx, b), loom.ErrRevisionConflict)

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, got.Status)
}

func TestConcurrentCAS(t *testing.T) {
	ctx := context.Background()
	s := New()
	def := newDef(1)
	e := execution.New(def, "manual:alice", nil)
	require.NoError(t, s.CreateExecution(ctx, e))

	// One shared snapshot: every writer races from the same revision, so
	// exactly one CAS can win. Re-reading inside the goroutines would let
	// late readers observe the winner's revision and win legitimately.
	snap, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)

	const writers = 16
	var wins, losses sync.Map
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			mine := snap.Clone()
			mine.Bindings = map[string]any{"writer": n}
			if err := s.UpdateExecution(ctx, mine); err != nil {
				losses.Store(n, err)
			} else {
				wins.Store(n, true)
			}
		}(i)
	}
	wg.Wait()

	winCount := 0
	wins.Range(func(_, _ any) bool { winCount++; return true })
	assert.Equal(t, 1, winCount)
}

func TestReadsDoNotAlias(t *testing.T) {
	ctx := context.Background()
	s := New()
	def := newDef(1)
	e := execution.New(def, "event", nil)
	e.Bindings = map[string]any{"k": "v"}
	require.NoError(t, s.CreateExecution(ctx, e))

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	got.Bindings["k"] = "mutated"

	again, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Bindings["k"])
}

func TestListDue(t *testing.T) {
	ctx := context.Background()
	s := New()
	def := newDef(1)
	now := time.Now()

	due := execution.New(def, "event", nil)
	due.Suspend(execution.WaitDelay, "wait", now.Add(-time.Minute), time.Time{})
	require.NoError(t, s.CreateExecution(ctx, due))

	notYet := execution.New(def, "event", nil)
	notYet.Suspend(execution.WaitDelay, "wait", now.Add(time.Hour), time.Time{})
	require.NoError(t, s.CreateExecution(ctx, notYet))

	expired := execution.New(def, "event", nil)
	expired.Suspend(execution.WaitApproval, "ok", time.Time{}, now.Add(-time.Second))
	require.NoError(t, s.CreateExecution(ctx, expired))

	got, err := s.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestStepsAndLogs(t *testing.T) {
	ctx := context.Background()
	s := New()
	execID := id.NewExecutionID()

	first := execution.NewStep(execID, "fetch", 1)
	require.NoError(t, s.CreateStep(ctx, first))
	second := execution.NewStep(execID, "fetch", 2)
	require.NoError(t, s.CreateStep(ctx, second))

	first.Fail("timeout", "slow")
	require.NoError(t, s.UpdateStep(ctx, first))

	steps, err := s.ListSteps(ctx, execID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].Attempt)
	assert.Equal(t, execution.StepFailed, steps[0].Status)

	assert.ErrorIs(t, s.UpdateStep(ctx, &execution.Step{ID: id.NewStepExecID()}), loom.ErrStepNotFound)

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendLog(ctx, execution.NewLogEntry(execID, execution.LevelInfo, "", msg, nil)))
	}
	logs, err := s.ListLogs(ctx, execID)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.EqualValues(t, 1, logs[0].Seq)
	assert.EqualValues(t, 3, logs[2].Seq)
}

func TestPurgeTerminalBefore(t *testing.T) {
	ctx := context.Background()
	s := New()
	def := newDef(1)

	old := execution.New(def, "event", nil)
	old.Finish(execution.StatusSuccess, nil)
	old.FinishedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.CreateExecution(ctx, old))
	require.NoError(t, s.AppendLog(ctx, execution.NewLogEntry(old.ID, execution.LevelInfo, "", "done", nil)))

	fresh := execution.New(def, "event", nil)
	require.NoError(t, s.CreateExecution(ctx, fresh))

	n, err := s.PurgeTerminalBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetExecution(ctx, old.ID)
	assert.ErrorIs(t, err, loom.ErrExecutionNotFound)
	logs, err := s.ListLogs(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, logs)

	_, err = s.GetExecution(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestClosed(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Close())

	_, err := s.ListActive(ctx)
	assert.ErrorIs(t, err, loom.ErrStoreClosed)
	assert.ErrorIs(t, s.Publish(ctx, newDef(1)), loom.ErrStoreClosed)
}
