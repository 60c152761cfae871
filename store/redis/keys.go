package redis

// Redis key naming conventions for loom data.
// All keys are prefixed with "loom:" to avoid collisions.

const keyPrefix = "loom:"

// ── Definition keys ──

// defKey returns the key for one published version: loom:def:{wf}:{version}
func defKey(workflowID string, version int) string {
	return keyPrefix + "def:" + workflowID + ":" + itoa(version)
}

// defVersionsKey is the Sorted Set of a workflow's versions, scored by
// version number.
func defVersionsKey(workflowID string) string {
	return keyPrefix + "def_versions:" + workflowID
}

// defActiveKey holds the active version number of a workflow.
func defActiveKey(workflowID string) string {
	return keyPrefix + "def_active:" + workflowID
}

// workflowIDsKey is the Set tracking all workflow IDs for enumeration.
const workflowIDsKey = keyPrefix + "workflow_ids"

// ── Execution keys ──

// execKey returns the Hash key for an execution: loom:exec:{id}
// Fields: data (JSON), revision.
func execKey(id string) string { return keyPrefix + "exec:" + id }

// execIDsKey is the Sorted Set of all execution IDs, scored by creation
// time for newest-first listing.
const execIDsKey = keyPrefix + "exec_ids"

// ── Step keys ──

// stepsKey returns the Hash of an execution's attempt records by record
// ID: loom:steps:{execID}
func stepsKey(execID string) string { return keyPrefix + "steps:" + execID }

// stepOrderKey returns the List preserving attempt creation order.
func stepOrderKey(execID string) string { return keyPrefix + "step_order:" + execID }

// ── Log keys ──

// logsKey returns the List holding an execution's log entries.
func logsKey(execID string) string { return keyPrefix + "logs:" + execID }

// logSeqKey returns the per-execution sequence counter.
func logSeqKey(execID string) string { return keyPrefix + "log_seq:" + execID }
