package loom

import "time"

// Fallbacks applied when a Config field is left zero.
const (
	// DefaultLoopIterationCap is the loop safety limit.
	DefaultLoopIterationCap = 10_000

	// DefaultForcedRetryCeiling bounds the forced-retry error strategy.
	DefaultForcedRetryCeiling = 25
)

// Config holds engine-wide configuration. Per-workflow settings
// (definition.Settings) override these where both exist.
type Config struct {
	// Concurrency is the maximum number of executions advanced concurrently.
	Concurrency int

	// PollInterval is how often workers poll for runnable executions and
	// the scheduler checks for due triggers and waits.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// DefaultStepTimeout bounds a single step attempt when the step spec
	// declares no timeout of its own.
	DefaultStepTimeout time.Duration

	// LoopIterationCap is the hard safety limit on loop iterations used
	// when a definition's settings declare none.
	LoopIterationCap int

	// ForcedRetryCeiling bounds the ErrorHandling "retry" strategy, which
	// otherwise ignores RetryConfig.MaxAttempts. Configurable, never zero.
	ForcedRetryCeiling int

	// CASRetryLimit bounds transparent reload-and-retry cycles after an
	// optimistic concurrency conflict on an execution record.
	CASRetryLimit int

	// Retention is how long terminal executions are kept before the
	// scheduler purges them. Zero disables purging.
	Retention time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		PollInterval:       time.Second,
		ShutdownTimeout:    30 * time.Second,
		DefaultStepTimeout: 5 * time.Minute,
		LoopIterationCap:   DefaultLoopIterationCap,
		ForcedRetryCeiling: DefaultForcedRetryCeiling,
		CASRetryLimit:      10,
	}
}
