// Package observability exports engine activity as OpenTelemetry
// metrics. Register the extension with engine.WithExtension; pair it
// with middleware.Metrics and middleware.Tracing for per-step signals.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loomworks/loom/execution"
	"github.com/loomworks/loom/trigger"
)

// Extension records execution lifecycle metrics.
type Extension struct {
	executions metric.Int64Counter
	active     metric.Int64UpDownCounter
	triggers   metric.Int64Counter
}

// New creates the metrics extension on the given meter.
func New(meter metric.Meter) (*Extension, error) {
	executions, err := meter.Int64Counter("loom.executions",
		metric.WithDescription("Finished executions by outcome"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("loom.executions.active",
		metric.WithDescription("Executions currently started and not finished"))
	if err != nil {
		return nil, err
	}
	triggers, err := meter.Int64Counter("loom.triggers.fired",
		metric.WithDescription("Trigger firings by event type"))
	if err != nil {
		return nil, err
	}
	return &Extension{executions: executions, active: active, triggers: triggers}, nil
}

func (x *Extension) Name() string { return "observability" }

func (x *Extension) OnExecutionStarted(ctx context.Context, e *execution.Execution) {
	x.active.Add(ctx, 1)
}

func (x *Extension) OnExecutionCompleted(ctx context.Context, e *execution.Execution) {
	x.finish(ctx, e)
}

func (x *Extension) OnExecutionFailed(ctx context.Context, e *execution.Execution) {
	x.finish(ctx, e)
}

func (x *Extension) OnExecutionCancelled(ctx context.Context, e *execution.Execution) {
	x.finish(ctx, e)
}

func (x *Extension) OnTriggerFired(ctx context.Context, event trigger.Event, e *execution.Execution) {
	x.triggers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", event.Type),
	))
}

func (x *Extension) finish(ctx context.Context, e *execution.Execution) {
	x.active.Add(ctx, -1)
	x.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow.id", e.WorkflowID.String()),
		attribute.String("outcome", string(e.Status)),
	))
}
