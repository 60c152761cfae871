// Package loom provides a composable, durable workflow automation engine
// for Go. Workflows are declarative, versioned step graphs — actions,
// conditions, loops, parallel branches, delays, and approvals connected by
// outcome-guarded edges — executed by a crash-recoverable orchestrator.
//
// Loom is designed as a library, not a service. Import it, configure a
// store, publish workflow definitions, and feed it trigger events.
//
// # Quick Start
//
//	eng, err := engine.New(
//	    engine.WithStore(memory.New()),
//	    engine.WithConcurrency(20),
//	)
//
// # Architecture
//
// Loom follows a composable store pattern: the definition and execution
// subsystems each define their own store interface and a single backend
// (memory, redis, postgres) implements both. The orchestrator persists
// every state transition through an optimistic-concurrency contract, so a
// restarted process resumes mid-graph from the last persisted frontier.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package loom
