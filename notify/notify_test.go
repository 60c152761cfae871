package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/id"
)

type captureNotifier struct {
	sent []Notification
	err  error
}

func (c *captureNotifier) Notify(ctx context.Context, n Notification) error {
	c.sent = append(c.sent, n)
	return c.err
}

func testExecution() *execution.Execution {
	return &execution.Execution{
		ID:         id.NewExecutionID(),
		WorkflowID: id.NewWorkflowID(),
		Status:     execution.StatusSuccess,
	}
}

func TestExtension_SendsOnOutcome(t *testing.T) {
	c := &captureNotifier{}
	x := NewExtension(c, func(e *execution.Execution) []string {
		return []string{"ops@example.com"}
	}, nil)

	e := testExecution()
	x.OnExecutionCompleted(context.Background(), e)

	require.Len(t, c.sent, 1)
	assert.Equal(t, []string{"ops@example.com"}, c.sent[0].Recipients)
	assert.Equal(t, "workflow succeeded", c.sent[0].Subject)

	failed := testExecution()
	failed.Status = execution.StatusFailed
	failed.Failure = &execution.Failure{Code: "http_5xx", Message: "downstream out"}
	x.OnExecutionFailed(context.Background(), failed)

	require.Len(t, c.sent, 2)
	assert.Equal(t, "workflow failed", c.sent[1].Subject)
	assert.Contains(t, c.sent[1].Body, "downstream out")
}

func TestExtension_NoRecipientsNoSend(t *testing.T) {
	c := &captureNotifier{}
	x := NewExtension(c, func(e *execution.Execution) []string { return nil }, nil)

	x.OnExecutionCompleted(context.Background(), testExecution())
	assert.Empty(t, c.sent)
}

func TestExtension_DeliveryFailureIsSwallowed(t *testing.T) {
	c := &captureNotifier{err: errors.New("smtp down")}
	x := NewExtension(c, func(e *execution.Execution) []string {
		return []string{"ops@example.com"}
	}, nil)

	// Must not panic or propagate; the workflow outcome already happened.
	x.OnExecutionFailed(context.Background(), testExecution())
	assert.Len(t, c.sent, 1)
}
