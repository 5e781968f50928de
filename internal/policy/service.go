package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"caregate.org/internal/ids"
	"caregate.org/internal/obs"
)

// Service owns policy writes and the cached decision path. Writers
// invalidate the decision cache before returning success so readers never
// observe a stale cached decision past a claimed update.
type Service struct {
	store Store
	cache DecisionCache
	bus   *Bus
	eval  *Evaluator
	now   func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the policy service. cache may be nil to disable
// decision caching; bus may be nil when no other instances need signalling.
func NewService(store Store, cache DecisionCache, bus *Bus, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	s := &Service{
		store: store,
		cache: cache,
		bus:   bus,
		eval:  NewEvaluator(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create validates and persists a new policy, then invalidates caches.
func (s *Service) Create(ctx context.Context, p *Policy) (*Policy, error) {
	if err := validatePolicy(p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		p.ID = ids.New()
	}
	p.Version = 1
	now := s.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	s.invalidate(ctx, ChangeEvent{PolicyID: p.ID, OrganizationID: p.OrganizationID, Version: p.Version})
	return p, nil
}

// Update persists a new version of the policy. The cache is cleared before
// Update returns so a subsequent decision reflects the new version.
func (s *Service) Update(ctx context.Context, p *Policy) (*Policy, error) {
	if err := validatePolicy(p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("%w: policy id is required", ErrInvalidInput)
	}
	p.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	s.invalidate(ctx, ChangeEvent{PolicyID: p.ID, OrganizationID: p.OrganizationID, Version: p.Version})
	return p, nil
}

// Get loads one policy.
func (s *Service) Get(ctx context.Context, id string) (*Policy, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: policy id is required", ErrInvalidInput)
	}
	return s.store.Get(ctx, id)
}

// ListByOrg returns the organization's own policies.
func (s *Service) ListByOrg(ctx context.Context, organizationID string) ([]*Policy, error) {
	return s.store.ListByOrg(ctx, organizationID)
}

// Decide resolves the request against standing policy: decision cache first,
// then store lookup plus evaluation. Cache failures fall back to the store
// and never block the decision.
func (s *Service) Decide(ctx context.Context, req AccessRequest) (Match, error) {
	key := CacheKey(req)
	if s.cache != nil {
		if dec, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			obs.ObserveCache("hit")
			return Match{
				Granted:          dec.Granted,
				Reason:           dec.Reason,
				Policy:           cachedPolicyRef(dec),
				ViolatedPolicyID: dec.ViolatedPolicyID,
			}, nil
		} else if err != nil {
			obs.LogEvent(map[string]any{
				"ts":    s.now().UTC().Format(time.RFC3339Nano),
				"level": "warn",
				"msg":   "policy cache get failed",
				"error": err.Error(),
			})
		}
		obs.ObserveCache("miss")
	}

	candidates, err := s.store.FindApplicable(ctx, req)
	if err != nil {
		return Match{}, err
	}
	match, evalErr := s.eval.EvaluateAll(candidates, req)
	if evalErr != nil && match.Policy == nil && !match.Granted {
		// Every candidate failed closed; surface the evaluation error.
		return match, evalErr
	}

	if s.cache != nil {
		cached := CachedDecision{Granted: match.Granted, Reason: match.Reason, ViolatedPolicyID: match.ViolatedPolicyID}
		if match.Policy != nil {
			cached.PolicyID = match.Policy.ID
		}
		if err := s.cache.Set(ctx, key, cached); err != nil {
			obs.LogEvent(map[string]any{
				"ts":    s.now().UTC().Format(time.RFC3339Nano),
				"level": "warn",
				"msg":   "policy cache set failed",
				"error": err.Error(),
			})
		}
	}
	return match, nil
}

func (s *Service) invalidate(ctx context.Context, evt ChangeEvent) {
	if s.cache != nil {
		_ = s.cache.Clear(ctx)
		obs.ObserveCache("invalidate")
	}
	if s.bus != nil {
		s.bus.Publish(evt)
	}
}

// cachedPolicyRef rebuilds a minimal policy reference for cache hits so the
// decision still names the policy that granted it.
func cachedPolicyRef(dec CachedDecision) *Policy {
	if dec.PolicyID == "" {
		return nil
	}
	return &Policy{ID: dec.PolicyID, Active: true}
}

func validatePolicy(p *Policy) error {
	if p == nil {
		return fmt.Errorf("%w: nil policy", ErrInvalidInput)
	}
	if len(p.Roles) == 0 || len(p.ResourceTypes) == 0 || len(p.Actions) == 0 {
		return fmt.Errorf("%w: roles, resource types and actions are required", ErrInvalidInput)
	}
	for _, c := range p.Conditions {
		if strings.TrimSpace(c.Operator) == "" {
			return fmt.Errorf("%w: condition operator is required", ErrInvalidInput)
		}
		if c.Operator != OpExpr && strings.TrimSpace(c.Field) == "" {
			return fmt.Errorf("%w: condition field is required", ErrInvalidInput)
		}
	}
	return nil
}
