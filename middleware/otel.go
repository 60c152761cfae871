package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics records per-attempt counters and durations.
func Metrics(meter metric.Meter) (Middleware, error) {
	attempts, err := meter.Int64Counter("loom.step.attempts",
		metric.WithDescription("Step attempts by kind and outcome"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("loom.step.duration",
		metric.WithDescription("Step attempt duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (map[string]any, error) {
			start := time.Now()
			out, err := next(ctx, req)

			outcome := "success"
			if err != nil {
				outcome = "error"
			}
			attrs := metric.WithAttributes(
				attribute.String("step.kind", string(req.Spec.Kind)),
				attribute.String("outcome", outcome),
			)
			attempts.Add(ctx, 1, attrs)
			duration.Record(ctx, time.Since(start).Seconds(), attrs)
			return out, err
		}
	}, nil
}

// Tracing opens a span per attempt.
func Tracing(tracer trace.Tracer) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (map[string]any, error) {
			ctx, span := tracer.Start(ctx, "loom.step "+req.Spec.ID,
				trace.WithAttributes(
					attribute.String("execution.id", req.Execution.ID.String()),
					attribute.String("step.id", req.Spec.ID),
					attribute.String("step.kind", string(req.Spec.Kind)),
					attribute.Int("step.attempt", req.Attempt),
				))
			defer span.End()

			out, err := next(ctx, req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return out, err
		}
	}
}
