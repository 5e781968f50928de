package emergency

import "errors"

var (
	ErrNotFound              = errors.New("emergency: not found")
	ErrWorkflowNotFound      = errors.New("emergency: workflow not found")
	ErrInvalidInput          = errors.New("emergency: invalid input")
	ErrExpiredWorkflow       = errors.New("emergency: workflow expired")
	ErrNotPending            = errors.New("emergency: workflow is not pending")
	ErrNotEligible           = errors.New("emergency: user is not an eligible approver")
	ErrInsufficientApprovers = errors.New("emergency: no eligible approvers")
	// ErrDoubleActivation surfaces when concurrent votes on the same
	// workflow keep colliding past the retry budget. State is left intact;
	// the caller may retry the vote.
	ErrDoubleActivation = errors.New("emergency: concurrent activation detected")
	// ErrVersionConflict is returned by stores when a compare-and-swap
	// update lost a race. The workflow service retries on it.
	ErrVersionConflict = errors.New("emergency: workflow version conflict")
)
