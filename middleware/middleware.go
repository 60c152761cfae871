// Package middleware provides the interception chain wrapped around every
// step attempt. The orchestrator builds one chain at startup; per-attempt
// state travels in the Request.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
)

// Request carries the attempt being executed through the chain.
type Request struct {
	Execution *execution.Execution

	// Definition is the version the execution is pinned to.
	Definition *definition.Definition

	Spec    *definition.StepSpec
	Attempt int

	// Bindings is the snapshot the attempt runs against.
	Bindings map[string]any
}

// Handler executes one step attempt and returns its output map.
type Handler func(ctx context.Context, req *Request) (map[string]any, error)

// Middleware wraps a handler.
type Middleware func(next Handler) Handler

// Chain applies middlewares so the first listed runs outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recover converts a handler panic into an error so one bad runner cannot
// take down the worker.
func Recover() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (out map[string]any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("step %s panicked: %v\n%s", req.Spec.ID, r, debug.Stack())
				}
			}()
			return next(ctx, req)
		}
	}
}

// Logging logs attempt start and outcome with duration.
func Logging(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (map[string]any, error) {
			attrs := []any{
				slog.String("execution_id", req.Execution.ID.String()),
				slog.String("step_id", req.Spec.ID),
				slog.String("kind", string(req.Spec.Kind)),
				slog.Int("attempt", req.Attempt),
			}
			logger.Debug("step attempt starting", attrs...)

			start := time.Now()
			out, err := next(ctx, req)
			attrs = append(attrs, slog.Duration("duration", time.Since(start)))

			if err != nil {
				logger.Warn("step attempt failed", append(attrs, slog.String("error", err.Error()))...)
			} else {
				logger.Debug("step attempt succeeded", attrs...)
			}
			return out, err
		}
	}
}

// Timeout bounds each attempt by the step's timeout, falling back to the
// engine default. Zero for both means no bound.
func Timeout(defaultTimeout time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (map[string]any, error) {
			timeout := req.Spec.Timeout
			if timeout == 0 {
				timeout = defaultTimeout
			}
			if timeout <= 0 {
				return next(ctx, req)
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, req)
		}
	}
}
