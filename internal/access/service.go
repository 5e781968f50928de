package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"caregate.org/internal/alert"
	"caregate.org/internal/audit"
	"caregate.org/internal/emergency"
	"caregate.org/internal/ids"
	"caregate.org/internal/obs"
	"caregate.org/internal/policy"
)

// ReasonEmergency is the grant reason when an active break-glass grant
// short-circuits policy evaluation.
const ReasonEmergency = "Emergency access granted"

// EmergencyChecker is the slice of the workflow engine the decision path
// needs: "is there a live break-glass grant for this user and resource".
type EmergencyChecker interface {
	ActiveGrant(ctx context.Context, userID, resourceType, resourceID string) (*emergency.Access, bool)
}

// Service is the synchronous access-decision path. Every call produces
// exactly one decision and one audit record; lookup or evaluation failures
// fail closed.
type Service struct {
	policies  *policy.Service
	emergency EmergencyChecker
	auditSink audit.Sink
	alerts    *alert.Manager
	now       func() time.Time
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

// NewService wires the decision service.
func NewService(policies *policy.Service, checker EmergencyChecker, auditSink audit.Sink, alerts *alert.Manager, opts ...ServiceOption) (*Service, error) {
	if policies == nil || checker == nil {
		return nil, errors.New("access: policy service and emergency checker are required")
	}
	if auditSink == nil || alerts == nil {
		return nil, errors.New("access: audit sink and alert manager are required")
	}
	s := &Service{
		policies:  policies,
		emergency: checker,
		auditSink: auditSink,
		alerts:    alerts,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CheckAccess decides one access attempt. An active break-glass grant wins
// over standing policy; otherwise the cached/stored policies decide. Errors
// from the policy layer produce a deny decision plus a wrapped
// ErrPolicyLookup/ErrEvaluation so the caller can tell outage from denial,
// but never a grant.
func (s *Service) CheckAccess(ctx context.Context, req policy.AccessRequest) (policy.AccessDecision, error) {
	start := s.now()
	if err := validateRequest(req); err != nil {
		return policy.AccessDecision{Granted: false, Reason: err.Error()}, err
	}
	if req.Context.Timestamp.IsZero() {
		req.Context.Timestamp = start.UTC()
	}

	// Break-glass precedence: a live grant bypasses standing policy.
	if grant, ok := s.emergency.ActiveGrant(ctx, req.UserID, req.ResourceType, req.ResourceID); ok {
		end := grant.EndTime
		dec := policy.AccessDecision{
			Granted:   true,
			Reason:    ReasonEmergency,
			ExpiresAt: &end,
		}
		req.Context.Emergency = true
		dec.AuditID = s.writeAudit(ctx, req, dec, "")
		obs.ObserveDecision(true, "emergency", s.now().Sub(start))
		return dec, nil
	}

	match, err := s.policies.Decide(ctx, req)
	if err != nil {
		// Fail closed: any lookup or evaluation failure is a deny.
		wrapped := classify(err)
		dec := policy.AccessDecision{Granted: false, Reason: "Access check failed"}
		dec.AuditID = s.writeAudit(ctx, req, dec, "")
		obs.ObserveDecision(false, "error", s.now().Sub(start))
		return dec, wrapped
	}

	dec := policy.AccessDecision{Granted: match.Granted, Reason: match.Reason}
	var policyID string
	if match.Policy != nil {
		policyID = match.Policy.ID
		dec.PolicyID = policyID
	} else if match.ViolatedPolicyID != "" {
		// Deny path: audit the policy the attempt ran up against so
		// repeated violations can be clustered, without claiming it as
		// the deciding policy.
		policyID = match.ViolatedPolicyID
	}
	dec.AuditID = s.writeAudit(ctx, req, dec, policyID)
	obs.ObserveDecision(dec.Granted, "policy", s.now().Sub(start))
	return dec, nil
}

// writeAudit appends the audit record for a decision, after the decision is
// made. A failed write never blocks the decision, but raises an internal
// alert so the gap is noticed.
func (s *Service) writeAudit(ctx context.Context, req policy.AccessRequest, dec policy.AccessDecision, policyID string) string {
	decision := audit.DecisionDenied
	if dec.Granted {
		decision = audit.DecisionGranted
	}
	rec := &audit.Record{
		ID:             ids.New(),
		Timestamp:      s.now().UTC(),
		UserID:         req.UserID,
		OrganizationID: req.Context.OrganizationID,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		Action:         req.Action,
		Decision:       decision,
		PolicyID:       policyID,
		Reason:         dec.Reason,
		Country:        req.Context.Country,
		Emergency:      req.Context.Emergency,
	}
	if err := s.auditSink.Append(ctx, rec); err != nil {
		_, _ = s.alerts.Raise(ctx, alert.TypeAuditWriteFailure, alert.SeverityHigh, req.UserID, map[string]string{
			"resource_type": req.ResourceType,
			"action":        req.Action,
			"error":         err.Error(),
		})
		return ""
	}
	return rec.ID
}

func classify(err error) error {
	if errors.Is(err, policy.ErrEvaluation) {
		return fmt.Errorf("%w: %v", ErrEvaluation, err)
	}
	return fmt.Errorf("%w: %v", ErrPolicyLookup, err)
}

func validateRequest(req policy.AccessRequest) error {
	if strings.TrimSpace(req.UserID) == "" ||
		strings.TrimSpace(req.ResourceType) == "" ||
		strings.TrimSpace(req.Action) == "" {
		return fmt.Errorf("%w: user, resource type and action are required", ErrInvalidRequest)
	}
	return nil
}
