package orchestrator

import (
	"time"

	"github.com/loomworks/loom"
	"github.com/loomworks/loom/backoff"
	"github.com/loomworks/loom/definition"
	"github.com/loomworks/loom/execution"
)

// madeAttempts counts attempts that actually ran (success, failed, or
// timed out). Pending and skipped records are not attempts.
func madeAttempts(st *stepState) int {
	n := 0
	for _, rec := range st.attempts {
		switch rec.Status {
		case execution.StepSuccess, execution.StepFailed, execution.StepTimeout, execution.StepRunning:
			n++
		}
	}
	return n
}

// retryable matches an error code against the config's allowlist. An
// empty allowlist retries every error.
func retryable(rc *definition.RetryConfig, code string) bool {
	if len(rc.RetryConditions) == 0 {
		return true
	}
	for _, c := range rc.RetryConditions {
		if c == code {
			return true
		}
	}
	return false
}

// wantsRetry decides whether a failed step gets another attempt: first
// under its RetryConfig budget, then under a forced-retry error strategy
// bounded by the engine's hard ceiling.
func (o *Orchestrator) wantsRetry(def *definition.Definition, st *stepState) bool {
	last := st.latest()
	if last == nil {
		return false
	}

	made := madeAttempts(st)
	rc := def.RetryFor(st.spec)

	if rc != nil && rc.MaxAttempts > 0 {
		if made < 1+rc.MaxAttempts && retryable(rc, last.ErrorCode) {
			return true
		}
	}

	eh := def.ErrorHandlingFor(st.spec)
	if eh.Strategy == definition.StrategyRetry {
		ceiling := o.cfg.ForcedRetryCeiling
		if ceiling < 1 {
			ceiling = loom.DefaultForcedRetryCeiling
		}
		if made < ceiling {
			return true
		}
	}

	return false
}

// retryDelay computes the wait before the next attempt from the step's
// declared backoff, or the engine default when none is configured.
func (o *Orchestrator) retryDelay(def *definition.Definition, st *stepState) time.Duration {
	rc := def.RetryFor(st.spec)
	attempt := madeAttempts(st) // 1-indexed retry number: retries after attempt n use n
	if attempt < 1 {
		attempt = 1
	}

	if rc == nil || rc.RetryDelay <= 0 {
		return backoff.DefaultStrategy().Delay(attempt)
	}
	return backoff.ForName(rc.BackoffStrategy, rc.RetryDelay).Delay(attempt)
}
