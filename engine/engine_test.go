package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/action"
	"github.com/loomworks/loom/audit"
	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
	"github.com/loomworks/loom/store/memory"
	"github.com/loomworks/loom/trigger"
)

func okRunner() action.Runner {
	return action.RunnerFunc(func(ctx context.Context, cfg *definition.ActionConfig, b map[string]any) (*action.Result, error) {
		return &action.Result{Output: map[string]any{"done": true}}, nil
	})
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithRunner("noop", okRunner())}, opts...)
	eng, err := New(opts...)
	require.NoError(t, err)
	return eng
}

func simpleDef() *definition.Definition {
	return &definition.Definition{
		Name:    "order-intake",
		Trigger: definition.TriggerSpec{Kind: definition.TriggerManual, Enabled: true},
		Steps: []definition.StepSpec{
			{ID: "ingest", Kind: definition.KindAction, Action: &definition.ActionConfig{Type: "noop"}, OutputVar: "result"},
		},
	}
}

// driveToTerminal advances synchronously until the execution settles.
func driveToTerminal(t *testing.T, eng *Engine, execID id.ExecutionID) *execution.Execution {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, eng.Advance(ctx, execID))
		ex, err := eng.Execution(ctx, "alice", execID)
		require.NoError(t, err)
		if ex.Status.Terminal() {
			return ex
		}
		require.False(t, time.Now().After(deadline), "execution stuck in %s", ex.Status)
		time.Sleep(time.Millisecond)
	}
}

func TestPublish_AssignsIdentityAndVersion(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	def, err := eng.Publish(ctx, "alice", simpleDef())
	require.NoError(t, err)
	assert.False(t, def.ID.IsNil())
	assert.Equal(t, 1, def.Version)
	assert.Equal(t, "alice", def.PublishedBy)

	// A second publish of the same workflow gets the next version and
	// becomes active.
	update := simpleDef()
	update.ID = def.ID
	update, err = eng.Publish(ctx, "alice", update)
	require.NoError(t, err)
	assert.Equal(t, 2, update.Version)

	active, err := eng.ActiveDefinition(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)
}

func TestPublish_RejectsInvalidDefinition(t *testing.T) {
	eng := newTestEngine(t)

	bad := simpleDef()
	bad.Steps = nil
	_, err := eng.Publish(context.Background(), "alice", bad)

	var verr *definition.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestTriggerManual_RunsToCompletion(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	def, err := eng.Publish(ctx, "alice", simpleDef())
	require.NoError(t, err)

	execID, err := eng.TriggerManual(ctx, "bob", def.ID, map[string]any{"order": "ord-1"})
	require.NoError(t, err)

	got := driveToTerminal(t, eng, execID)
	assert.Equal(t, execution.StatusSuccess, got.Status)
	assert.Equal(t, "manual:bob", got.TriggeredBy)
	assert.Equal(t, map[string]any{"done": true}, got.Bindings["result"])

	logs, err := eng.Logs(ctx, "bob", execID)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestTriggerManual_PinnedVersionSurvivesRepublish(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	def, err := eng.Publish(ctx, "alice", simpleDef())
	require.NoError(t, err)
	execID, err := eng.TriggerManual(ctx, "alice", def.ID, nil)
	require.NoError(t, err)

	// Republish before the execution runs: the in-flight run stays on v1.
	update := simpleDef()
	update.ID = def.ID
	_, err = eng.Publish(ctx, "alice", update)
	require.NoError(t, err)

	got := driveToTerminal(t, eng, execID)
	assert.Equal(t, execution.StatusSuccess, got.Status)
	assert.Equal(t, 1, got.Version)
}

func TestHandleEvent_StartsMatchingWorkflows(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	matching := simpleDef()
	matching.Trigger = definition.TriggerSpec{
		Kind:      definition.TriggerEvent,
		EventType: "order.created",
		Enabled:   true,
	}
	_, err := eng.Publish(ctx, "alice", matching)
	require.NoError(t, err)

	other := simpleDef()
	other.Trigger = definition.TriggerSpec{
		Kind:      definition.TriggerEvent,
		EventType: "order.cancelled",
		Enabled:   true,
	}
	_, err = eng.Publish(ctx, "alice", other)
	require.NoError(t, err)

	started, err := eng.HandleEvent(ctx, trigger.Event{
		Type:    "order.created",
		Payload: map[string]any{"order": "ord-2"},
	})
	require.NoError(t, err)
	require.Len(t, started, 1)

	got := driveToTerminal(t, eng, started[0])
	assert.Equal(t, execution.StatusSuccess, got.Status)
	assert.Equal(t, map[string]any{"order": "ord-2"}, got.TriggerData)
}

func TestApprovalFlow(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	def := simpleDef()
	def.Steps = []definition.StepSpec{
		{ID: "signoff", Kind: definition.KindApproval, Approval: &definition.ApprovalConfig{Approvers: []string{"carol"}}},
		{ID: "ship", Kind: definition.KindAction, Action: &definition.ActionConfig{Type: "noop"}},
	}
	def.Connections = []definition.ConnectionSpec{
		{Source: "signoff", Target: "ship", Guard: definition.GuardSuccess},
	}
	published, err := eng.Publish(ctx, "alice", def)
	require.NoError(t, err)

	execID, err := eng.TriggerManual(ctx, "alice", published.ID, nil)
	require.NoError(t, err)
	require.NoError(t, eng.Advance(ctx, execID))

	parked, err := eng.Execution(ctx, "alice", execID)
	require.NoError(t, err)
	require.Equal(t, execution.StatusPaused, parked.Status)
	require.Equal(t, execution.WaitApproval, parked.Waiting)

	require.ErrorIs(t, eng.Approve(ctx, "mallory", execID), loom.ErrPermissionDenied)
	require.NoError(t, eng.Approve(ctx, "carol", execID))

	got := driveToTerminal(t, eng, execID)
	assert.Equal(t, execution.StatusSuccess, got.Status)
}

func TestRetry_LinksParentAndReplaysTrigger(t *testing.T) {
	failing := action.RunnerFunc(func(ctx context.Context, cfg *definition.ActionConfig, b map[string]any) (*action.Result, error) {
		return nil, action.Errorf("http_5xx", "downstream out")
	})
	eng := newTestEngine(t, WithRunner("flaky", failing))
	ctx := context.Background()

	def := simpleDef()
	def.Steps = []definition.StepSpec{
		{ID: "call", Kind: definition.KindAction, Action: &definition.ActionConfig{Type: "flaky"}},
	}
	published, err := eng.Publish(ctx, "alice", def)
	require.NoError(t, err)

	execID, err := eng.TriggerManual(ctx, "alice", published.ID, map[string]any{"k": "v"})
	require.NoError(t, err)
	failed := driveToTerminal(t, eng, execID)
	require.Equal(t, execution.StatusFailed, failed.Status)

	// Successful runs cannot be retried; failed ones spawn a child.
	retryID, err := eng.Retry(ctx, "alice", execID)
	require.NoError(t, err)

	child, err := eng.Execution(ctx, "alice", retryID)
	require.NoError(t, err)
	assert.Equal(t, execID, child.ParentExecutionID)
	assert.Equal(t, map[string]any{"k": "v"}, child.TriggerData)

	children, err := eng.store.ListChildren(ctx, execID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, retryID, children[0].ID)
}

func TestRetry_RejectsSuccessfulRuns(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	def, err := eng.Publish(ctx, "alice", simpleDef())
	require.NoError(t, err)
	execID, err := eng.TriggerManual(ctx, "alice", def.ID, nil)
	require.NoError(t, err)
	driveToTerminal(t, eng, execID)

	_, err = eng.Retry(ctx, "alice", execID)
	assert.Error(t, err)
}

func TestDeactivate_StopsNewTriggers(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	def, err := eng.Publish(ctx, "alice", simpleDef())
	require.NoError(t, err)
	require.NoError(t, eng.Deactivate(ctx, "alice", def.ID))

	_, err = eng.TriggerManual(ctx, "alice", def.ID, nil)
	assert.ErrorIs(t, err, loom.ErrNoActiveVersion)
}

type readOnly struct{}

func (readOnly) CanView(context.Context, string, id.WorkflowID) bool    { return true }
func (readOnly) CanExecute(context.Context, string, id.WorkflowID) bool { return false }
func (readOnly) CanEdit(context.Context, string, id.WorkflowID) bool    { return false }

func TestAuthorizer_GatesMutations(t *testing.T) {
	eng := newTestEngine(t, WithAuthorizer(readOnly{}))
	ctx := context.Background()

	_, err := eng.Publish(ctx, "alice", simpleDef())
	assert.ErrorIs(t, err, loom.ErrPermissionDenied)

	_, err = eng.TriggerManual(ctx, "alice", id.NewWorkflowID(), nil)
	assert.ErrorIs(t, err, loom.ErrPermissionDenied)
}

type noView struct{}

func (noView) CanView(context.Context, string, id.WorkflowID) bool    { return false }
func (noView) CanExecute(context.Context, string, id.WorkflowID) bool { return true }
func (noView) CanEdit(context.Context, string, id.WorkflowID) bool    { return true }

func TestAuthorizer_GatesReads(t *testing.T) {
	eng := newTestEngine(t, WithAuthorizer(noView{}))
	ctx := context.Background()

	def, err := eng.Publish(ctx, "alice", simpleDef())
	require.NoError(t, err)
	execID, err := eng.TriggerManual(ctx, "alice", def.ID, nil)
	require.NoError(t, err)

	_, err = eng.Execution(ctx, "alice", execID)
	assert.ErrorIs(t, err, loom.ErrPermissionDenied)
	_, err = eng.Logs(ctx, "alice", execID)
	assert.ErrorIs(t, err, loom.ErrPermissionDenied)
	_, err = eng.Steps(ctx, "alice", execID)
	assert.ErrorIs(t, err, loom.ErrPermissionDenied)

	// The list surface filters rather than failing.
	list, err := eng.Executions(ctx, "alice", execution.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAudit_RecordsLifecycle(t *testing.T) {
	rec := audit.NewMemoryRecorder()
	eng := newTestEngine(t, WithAuditRecorder(rec))
	ctx := context.Background()

	def, err := eng.Publish(ctx, "alice", simpleDef())
	require.NoError(t, err)
	execID, err := eng.TriggerManual(ctx, "alice", def.ID, nil)
	require.NoError(t, err)
	driveToTerminal(t, eng, execID)

	var actions []string
	for _, r := range rec.Records() {
		actions = append(actions, r.Action)
	}
	assert.Equal(t, []string{"publish", "trigger"}, actions)
}

func TestStartRecoversOrphanedExecutions(t *testing.T) {
	store := memory.New()
	eng := newTestEngine(t, WithStore(store), WithConfig(func() loom.Config {
		cfg := loom.DefaultConfig()
		cfg.PollInterval = 10 * time.Millisecond
		cfg.ShutdownTimeout = 2 * time.Second
		return cfg
	}()))
	ctx := context.Background()

	def, err := eng.Publish(ctx, "alice", simpleDef())
	require.NoError(t, err)
	execID, err := eng.TriggerManual(ctx, "alice", def.ID, nil)
	require.NoError(t, err)

	// Simulate a crash mid-run: the record says running, nobody owns it.
	orphan, err := store.GetExecution(ctx, execID)
	require.NoError(t, err)
	orphan.Status = execution.StatusRunning
	orphan.ClaimedBy = id.NewWorkerID()
	require.NoError(t, store.UpdateExecution(ctx, orphan))

	require.NoError(t, eng.Start(ctx))
	defer eng.Stop() //nolint:errcheck // best-effort cleanup

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, gErr := eng.Execution(ctx, "alice", execID)
		require.NoError(t, gErr)
		if got.Status == execution.StatusSuccess {
			break
		}
		require.False(t, time.Now().After(deadline), "orphan was not recovered: %s", got.Status)
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, eng.Stop())
}
