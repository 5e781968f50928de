package emergency

import (
	"context"
	"time"
)

// AccessStore persists break-glass grants.
type AccessStore interface {
	GetAccess(ctx context.Context, id string) (*Access, error)
	// FindCurrent returns the most recent grant for the triple with
	// Active=true, or ErrNotFound. Callers must still check Live(now);
	// the store does not judge expiry.
	FindCurrent(ctx context.Context, userID, resourceType, resourceID string) (*Access, error)
	// Deactivate force-ends the grant: Active=false, EndTime=endTime.
	// Deactivating an already inactive grant is a no-op.
	Deactivate(ctx context.Context, id string, endTime time.Time) error
	// CountRequestsSince counts the user's break-glass requests created at
	// or after since. Feeds the risk scorer's 30-day history.
	CountRequestsSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// WorkflowStore persists approval workflows. All updates are guarded by the
// workflow Version so concurrent votes on the same workflow serialize.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	GetWorkflowByAccess(ctx context.Context, accessID string) (*Workflow, error)
	// Update stores the workflow if the persisted version still equals
	// expectedVersion, then bumps Version. Returns ErrVersionConflict on a
	// lost race.
	Update(ctx context.Context, wf *Workflow, expectedVersion int) error
	// ApproveAndActivate transitions the workflow to APPROVED and flips
	// its Access to active with the given end time, atomically: both
	// succeed or neither. Returns ErrVersionConflict on a lost race.
	ApproveAndActivate(ctx context.Context, wf *Workflow, expectedVersion int, endTime time.Time) error
}

// Store is the full persistence boundary for the workflow engine.
type Store interface {
	AccessStore
	WorkflowStore
	// CreateRequest persists the grant and its workflow together.
	CreateRequest(ctx context.Context, access *Access, wf *Workflow) error
}

// Directory resolves eligible approvers. Implemented by the surrounding
// application's user store.
type Directory interface {
	// UsersByRole returns organization members holding any of the roles.
	UsersByRole(ctx context.Context, organizationID string, roles []string) ([]Approver, error)
}
