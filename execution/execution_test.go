package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/id"
)

func testDefinition() *definition.Definition {
	return &definition.Definition{
		ID:      id.NewWorkflowID(),
		Name:    "orders",
		Version: 3,
		Variables: []definition.VariableSpec{
			{Name: "amount", Type: definition.VarNumber},
			{Name: "note", Type: definition.VarString},
		},
	}
}

func TestNew(t *testing.T) {
	def := testDefinition()
	def.Settings.MaxExecutionTime = time.Hour

	e := New(def, "manual:alice", map[string]any{"k": "v"})

	assert.Equal(t, def.ID, e.WorkflowID)
	assert.Equal(t, 3, e.Version)
	assert.Equal(t, StatusQueued, e.Status)
	assert.EqualValues(t, 1, e.Revision)
	assert.False(t, e.Deadline.IsZero())
	assert.False(t, e.ID.IsNil())
}

func TestSetBinding(t *testing.T) {
	def := testDefinition()
	e := New(def, "manual:alice", nil)

	require.NoError(t, e.SetBinding(def, "amount", 42))
	assert.Equal(t, 42, e.Bindings["amount"])

	err := e.SetBinding(def, "amount", "forty-two")
	var berr *BindingError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "amount", berr.Name)

	// Undeclared variables are untyped.
	require.NoError(t, e.SetBinding(def, "extra", []any{1, 2}))
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPaused.Terminal())
	assert.True(t, StatusPaused.Active())
	assert.False(t, StatusFailed.Active())
}

func TestSuspendAndFinish(t *testing.T) {
	def := testDefinition()
	e := New(def, "schedule", nil)

	resume := time.Now().Add(time.Minute)
	e.Suspend(WaitDelay, "wait", resume, time.Time{})
	assert.Equal(t, StatusPaused, e.Status)
	assert.Equal(t, WaitDelay, e.Waiting)
	assert.Equal(t, "wait", e.WaitStepID)

	e.Finish(StatusSuccess, nil)
	assert.Equal(t, StatusSuccess, e.Status)
	assert.Empty(t, e.WaitStepID)
	assert.False(t, e.FinishedAt.IsZero())
}

func TestClone(t *testing.T) {
	def := testDefinition()
	e := New(def, "event", map[string]any{"outer": map[string]any{"inner": 1}})
	require.NoError(t, e.SetBinding(def, "amount", 5))

	c := e.Clone()
	c.Bindings["amount"] = 99
	c.TriggerData["outer"].(map[string]any)["inner"] = 2

	assert.Equal(t, 5, e.Bindings["amount"])
	assert.Equal(t, 1, e.TriggerData["outer"].(map[string]any)["inner"])
}

func TestListFilterMatches(t *testing.T) {
	def := testDefinition()
	e := New(def, "manual:alice", nil)

	assert.True(t, ListFilter{}.Matches(e))
	assert.True(t, ListFilter{WorkflowID: def.ID}.Matches(e))
	assert.False(t, ListFilter{WorkflowID: id.NewWorkflowID()}.Matches(e))
	assert.True(t, ListFilter{Statuses: []Status{StatusQueued, StatusRunning}}.Matches(e))
	assert.False(t, ListFilter{Statuses: []Status{StatusFailed}}.Matches(e))
	assert.False(t, ListFilter{Since: time.Now().Add(time.Hour)}.Matches(e))
}

func TestStepLifecycle(t *testing.T) {
	s := NewStep(id.NewExecutionID(), "fetch", 1)
	assert.Equal(t, StepPending, s.Status)
	assert.False(t, s.Status.Terminal())

	s.Start()
	assert.Equal(t, StepRunning, s.Status)

	s.Succeed(map[string]any{"rows": 3})
	assert.True(t, s.Status.Terminal())
	assert.Equal(t, 3, s.Output["rows"])

	f := NewStep(s.ExecutionID, "fetch", 2)
	f.Start()
	f.Fail("timeout", "deadline exceeded")
	assert.Equal(t, StepFailed, f.Status)
	assert.Equal(t, "timeout", f.ErrorCode)
}
