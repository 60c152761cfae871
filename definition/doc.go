// Package definition models versioned workflow definitions.
//
// A definition is the design-time artifact: the trigger, the step graph,
// declared variables, and execution policy. Published versions are
// immutable; editing a workflow publishes the next version while running
// executions stay pinned to the version they started on.
//
// The package also provides Validate, which rejects malformed graphs at
// publish time with a ValidationError listing every problem found, and
// Graph/GraphCache, the adjacency materialization the orchestrator walks.
package definition
