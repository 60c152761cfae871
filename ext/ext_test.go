package ext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
)

type recorder struct {
	started   int
	completed int
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnExecutionStarted(ctx context.Context, e *execution.Execution) { r.started++ }

func (r *recorder) OnExecutionCompleted(ctx context.Context, e *execution.Execution) { r.completed++ }

type panicky struct{}

func (panicky) Name() string { return "panicky" }

func (panicky) OnExecutionStarted(ctx context.Context, e *execution.Execution) { panic("nope") }

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry(nil)
	rec := &recorder{}
	reg.Register(rec)

	e := &execution.Execution{ID: id.NewExecutionID()}
	reg.ExecutionStarted(context.Background(), e)
	reg.ExecutionCompleted(context.Background(), e)
	// recorder does not implement the failed hook; dispatch is a no-op.
	reg.ExecutionFailed(context.Background(), e)

	assert.Equal(t, 1, rec.started)
	assert.Equal(t, 1, rec.completed)
	assert.Len(t, reg.Extensions(), 1)
}

func TestRegistryRecoversPanics(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register(panicky{})
	rec := &recorder{}
	reg.Register(rec)

	e := &execution.Execution{ID: id.NewExecutionID()}
	reg.ExecutionStarted(context.Background(), e)

	// The panic from the first extension must not stop the second.
	assert.Equal(t, 1, rec.started)
}
