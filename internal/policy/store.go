package policy

import (
	"context"
	"errors"
)

var (
	ErrNotFound     = errors.New("policy: not found")
	ErrInvalidInput = errors.New("policy: invalid input")
	ErrConflict     = errors.New("policy: version conflict")
)

// Store describes persistence for versioned policies.
type Store interface {
	Create(ctx context.Context, p *Policy) error
	Get(ctx context.Context, id string) (*Policy, error)
	// Update replaces the policy identified by p.ID, bumping its version.
	// Returns ErrConflict when the stored version differs from p.Version.
	Update(ctx context.Context, p *Policy) error
	// FindApplicable returns active policies matching the request's
	// role/resource/action overlap and organization scope, ordered by
	// priority descending.
	FindApplicable(ctx context.Context, req AccessRequest) ([]*Policy, error)
	ListByOrg(ctx context.Context, organizationID string) ([]*Policy, error)
}
