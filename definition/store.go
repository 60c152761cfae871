package definition

import (
	"context"

	"github.com/loomworks/loom/id"
)

// Store persists published definitions. Published versions are immutable:
// implementations must reject writes to an existing (workflowID, version)
// pair with loom.ErrDefinitionExists.
type Store interface {
	// Publish stores a new definition version and makes it the active
	// version, demoting any previously active version to inactive. The
	// definition must already be validated.
	Publish(ctx context.Context, def *Definition) error

	// Get returns one exact version. Returns loom.ErrDefinitionNotFound
	// when the pair does not exist.
	Get(ctx context.Context, workflowID id.WorkflowID, version int) (*Definition, error)

	// GetActive returns the active version of a workflow. Returns
	// loom.ErrNoActiveVersion when every version is inactive or archived,
	// loom.ErrDefinitionNotFound when the workflow is unknown.
	GetActive(ctx context.Context, workflowID id.WorkflowID) (*Definition, error)

	// ListActive returns the active version of every workflow that has
	// one. Trigger evaluation and the scheduler walk this list.
	ListActive(ctx context.Context) ([]*Definition, error)

	// ListVersions returns all versions of a workflow, oldest first.
	ListVersions(ctx context.Context, workflowID id.WorkflowID) ([]*Definition, error)

	// Deactivate demotes the active version without publishing a
	// replacement. In-flight executions keep running on their pinned
	// version.
	Deactivate(ctx context.Context, workflowID id.WorkflowID) error
}
