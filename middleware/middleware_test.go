package middleware

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
)

func testRequest() *Request {
	return &Request{
		Execution: &execution.Execution{ID: id.NewExecutionID()},
		Spec:      &definition.StepSpec{ID: "fetch", Kind: definition.KindAction},
		Attempt:   1,
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, req *Request) (map[string]any, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	h := Chain(func(ctx context.Context, req *Request) (map[string]any, error) {
		order = append(order, "handler")
		return nil, nil
	}, tag("outer"), tag("inner"))

	_, err := h(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestRecover(t *testing.T) {
	h := Chain(func(ctx context.Context, req *Request) (map[string]any, error) {
		panic("boom")
	}, Recover())

	_, err := h(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Contains(t, err.Error(), "fetch")
}

func TestTimeout(t *testing.T) {
	h := Chain(func(ctx context.Context, req *Request) (map[string]any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return map[string]any{}, nil
		}
	}, Timeout(10*time.Millisecond))

	_, err := h(context.Background(), testRequest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTimeout_StepOverride(t *testing.T) {
	req := testRequest()
	req.Spec.Timeout = time.Second

	var deadlineSet bool
	h := Chain(func(ctx context.Context, req *Request) (map[string]any, error) {
		_, deadlineSet = ctx.Deadline()
		return nil, nil
	}, Timeout(0))

	_, err := h(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, deadlineSet)
}

func TestLoggingPassesThrough(t *testing.T) {
	wantErr := errors.New("nope")
	h := Chain(func(ctx context.Context, req *Request) (map[string]any, error) {
		return nil, wantErr
	}, Logging(slog.Default()))

	_, err := h(context.Background(), testRequest())
	assert.ErrorIs(t, err, wantErr)
}
