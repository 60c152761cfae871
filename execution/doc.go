// Package execution models the runtime state of workflow runs: the
// execution record with its revision-based optimistic concurrency, one
// step record per attempt, and the append-only execution log.
//
// Every execution mutation is a read-modify-write through the store's
// UpdateExecution, which compares revisions and rejects stale writers
// with loom.ErrRevisionConflict. Losers re-read and re-derive.
package execution
