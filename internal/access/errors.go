package access

import "errors"

var (
	// ErrPolicyLookup wraps store/cache failures on the decision path. The
	// decision itself is always a deny; the error distinguishes "denied by
	// policy" from "could not consult policy".
	ErrPolicyLookup = errors.New("access: policy lookup failed")
	// ErrEvaluation wraps malformed-condition failures. Also a deny.
	ErrEvaluation = errors.New("access: policy evaluation failed")
	// ErrInvalidRequest rejects structurally incomplete requests.
	ErrInvalidRequest = errors.New("access: invalid request")
)
