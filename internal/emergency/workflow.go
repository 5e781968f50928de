package emergency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"caregate.org/internal/alert"
	"caregate.org/internal/audit"
	"caregate.org/internal/ids"
	"caregate.org/internal/notify"
	"caregate.org/internal/obs"
	"caregate.org/internal/tenant"
)

// casRetries bounds how often a vote is replayed after losing a version
// race before ErrDoubleActivation is surfaced.
const casRetries = 3

// Request describes a new break-glass attempt.
type Request struct {
	UserID         string
	OrganizationID string
	ResourceType   string
	ResourceID     string
	Reason         string
}

// Service is the break-glass workflow engine: it creates requests, records
// approvals, activates and revokes grants and tracks post-access reviews.
// All state transitions are audited with the explicit acting identity.
type Service struct {
	store      Store
	directory  Directory
	tenants    tenant.Provider
	scorer     *Scorer
	alerts     *alert.Manager
	dispatcher *notify.Dispatcher
	auditSink  audit.Sink
	now        func() time.Time
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

// NewService wires the workflow engine.
func NewService(store Store, directory Directory, tenants tenant.Provider, alerts *alert.Manager, dispatcher *notify.Dispatcher, auditSink audit.Sink, opts ...ServiceOption) (*Service, error) {
	if store == nil || directory == nil || tenants == nil {
		return nil, errors.New("emergency: store, directory and tenant provider are required")
	}
	if alerts == nil || dispatcher == nil || auditSink == nil {
		return nil, errors.New("emergency: alert manager, dispatcher and audit sink are required")
	}
	s := &Service{
		store:      store,
		directory:  directory,
		tenants:    tenants,
		alerts:     alerts,
		dispatcher: dispatcher,
		auditSink:  auditSink,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.scorer = NewScorer(store, s.now)
	return s, nil
}

// ActiveGrant returns the live break-glass grant for the user/resource, if
// any. An overdue grant found here is deactivated best-effort and reported
// as absent.
func (s *Service) ActiveGrant(ctx context.Context, userID, resourceType, resourceID string) (*Access, bool) {
	access, err := s.store.FindCurrent(ctx, userID, resourceType, resourceID)
	if err != nil {
		return nil, false
	}
	now := s.now()
	if access.Live(now) {
		return access, true
	}
	if access.Active {
		// Auto-expiry: flag cleanup is best effort, Live already denied.
		_ = s.store.Deactivate(ctx, access.ID, access.EndTime)
	}
	return nil, false
}

// RequestAccess opens a break-glass request: it risk-scores it, creates the
// inactive grant plus its PENDING workflow, selects eligible approvers and
// fans out approval notifications. With fewer eligible approvers than the
// tenant requires, nothing is persisted and ErrInsufficientApprovers is
// returned so the request cannot hang unapprovable.
func (s *Service) RequestAccess(ctx context.Context, req Request) (*Workflow, *Access, error) {
	if err := validateRequest(req); err != nil {
		return nil, nil, err
	}
	cfg, err := s.tenants.Get(ctx, req.OrganizationID)
	if err != nil {
		return nil, nil, fmt.Errorf("emergency: tenant config: %w", err)
	}
	cfg = cfg.Normalize()

	risk, _ := s.scorer.Score(ctx, req.UserID, req.ResourceType)

	eligible, err := s.directory.UsersByRole(ctx, req.OrganizationID, cfg.AllowedApproverRoles)
	if err != nil {
		return nil, nil, fmt.Errorf("emergency: resolve approvers: %w", err)
	}
	votes := make([]Vote, 0, len(eligible))
	for _, a := range eligible {
		if a.UserID == req.UserID {
			// Requesters never vote on their own request.
			continue
		}
		votes = append(votes, Vote{UserID: a.UserID, Role: a.Role, Status: VotePending})
	}
	if len(votes) < cfg.RequiredApprovals {
		return nil, nil, fmt.Errorf("%w: need %d approvers, found %d",
			ErrInsufficientApprovers, cfg.RequiredApprovals, len(votes))
	}

	now := s.now().UTC()
	access := &Access{
		ID:             ids.New(),
		UserID:         req.UserID,
		OrganizationID: req.OrganizationID,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		Reason:         req.Reason,
		StartTime:      now,
		Active:         false,
		CreatedAt:      now,
	}
	wf := &Workflow{
		ID:                ids.New(),
		EmergencyAccessID: access.ID,
		OrganizationID:    req.OrganizationID,
		RequiredApprovals: cfg.RequiredApprovals,
		Approvers:         votes,
		Status:            StatusPending,
		ExpiresAt:         now.Add(DefaultApprovalWindow),
		RiskLevel:         risk,
		PostAccessReview:  ReviewRequired(risk),
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateRequest(ctx, access, wf); err != nil {
		return nil, nil, err
	}

	obs.ObserveEmergencyRequest(string(risk))
	s.audit(ctx, req.UserID, access, "EMERGENCY_REQUEST", audit.DecisionGranted, "break-glass request opened")

	_, _ = s.alerts.Raise(ctx, alert.TypeEmergencyRequest, alert.Severity(risk), req.UserID, map[string]string{
		"workflow_id":   wf.ID,
		"resource_type": req.ResourceType,
		"resource_id":   req.ResourceID,
		"reason":        req.Reason,
	})

	recipients := make([]string, len(votes))
	for i, v := range votes {
		recipients[i] = v.UserID
	}
	evt := notify.NewEvent("emergency_approval_requested", req.UserID,
		fmt.Sprintf("break-glass approval needed for %s/%s", req.ResourceType, req.ResourceID),
		map[string]string{"workflow_id": wf.ID, "risk": string(risk)})
	s.dispatcher.Dispatch(ctx, evt, recipients)

	return wf, access, nil
}

// Approve records one approver's vote and recomputes the aggregate status.
// A repeated vote by the same approver overwrites the earlier one. Reaching
// the approval threshold activates the grant atomically with the status
// transition; crossing the rejection threshold is final. Votes on an
// overdue workflow fail with ErrExpiredWorkflow.
func (s *Service) Approve(ctx context.Context, workflowID, actorID string, approved bool, reason string) (*Workflow, error) {
	workflowID = strings.TrimSpace(workflowID)
	actorID = strings.TrimSpace(actorID)
	if workflowID == "" || actorID == "" {
		return nil, fmt.Errorf("%w: workflow id and actor are required", ErrInvalidInput)
	}

	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		wf, err := s.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrWorkflowNotFound
			}
			return nil, err
		}
		now := s.now().UTC()

		if wf.Status == StatusPending && now.After(wf.ExpiresAt) {
			s.expire(ctx, wf)
			return nil, ErrExpiredWorkflow
		}
		if wf.Status != StatusPending {
			return nil, fmt.Errorf("%w: status %s", ErrNotPending, wf.Status)
		}
		idx := wf.VoteIndex(actorID)
		if idx < 0 {
			return nil, ErrNotEligible
		}

		expected := wf.Version
		vote := VoteRejected
		if approved {
			vote = VoteApproved
		}
		wf.Approvers[idx].Status = vote
		wf.Approvers[idx].Timestamp = now
		wf.Approvers[idx].Reason = reason
		wf.UpdatedAt = now

		switch {
		case wf.RejectionFinal():
			wf.Status = StatusRejected
			err = s.store.Update(ctx, wf, expected)
		case wf.ApprovedCount() >= wf.RequiredApprovals:
			cfg, cfgErr := s.tenants.Get(ctx, wf.OrganizationID)
			if cfgErr != nil {
				return nil, fmt.Errorf("emergency: tenant config: %w", cfgErr)
			}
			cfg = cfg.Normalize()
			wf.Status = StatusApproved
			err = s.store.ApproveAndActivate(ctx, wf, expected, now.Add(cfg.MaxEmergencyDuration))
		default:
			err = s.store.Update(ctx, wf, expected)
		}

		if errors.Is(err, ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		s.finishVote(ctx, wf, actorID, approved)
		return wf, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrDoubleActivation, lastErr)
}

// Revoke force-ends a grant regardless of workflow state. Revoking an
// already inactive grant is a no-op. actorID identifies who pulled the
// plug; background expiry passes "system".
func (s *Service) Revoke(ctx context.Context, emergencyID, actorID string) error {
	emergencyID = strings.TrimSpace(emergencyID)
	actorID = strings.TrimSpace(actorID)
	if emergencyID == "" || actorID == "" {
		return fmt.Errorf("%w: emergency id and actor are required", ErrInvalidInput)
	}
	access, err := s.store.GetAccess(ctx, emergencyID)
	if err != nil {
		return err
	}
	if !access.Active {
		return nil
	}
	now := s.now().UTC()
	if err := s.store.Deactivate(ctx, emergencyID, now); err != nil {
		return err
	}
	access.Active = false
	access.EndTime = now

	obs.ObserveWorkflowTransition("REVOKED")
	s.audit(ctx, actorID, access, "EMERGENCY_REVOKE", audit.DecisionDenied, "break-glass grant revoked")

	evt := notify.NewEvent("emergency_access_revoked", access.UserID,
		fmt.Sprintf("break-glass access to %s/%s revoked by %s", access.ResourceType, access.ResourceID, actorID),
		map[string]string{"emergency_id": access.ID})
	s.dispatcher.Dispatch(ctx, evt, []string{access.UserID})
	return nil
}

// CompleteReview records the post-access review outcome. It never touches
// access state.
func (s *Service) CompleteReview(ctx context.Context, workflowID, actorID, notes string) (*Workflow, error) {
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" || strings.TrimSpace(actorID) == "" {
		return nil, fmt.Errorf("%w: workflow id and actor are required", ErrInvalidInput)
	}
	for attempt := 0; attempt < casRetries; attempt++ {
		wf, err := s.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, ErrWorkflowNotFound
			}
			return nil, err
		}
		if !wf.PostAccessReview {
			return nil, fmt.Errorf("%w: workflow does not require review", ErrInvalidInput)
		}
		expected := wf.Version
		wf.ReviewCompleted = true
		wf.ReviewNotes = notes
		wf.UpdatedAt = s.now().UTC()
		if err := s.store.Update(ctx, wf, expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				continue
			}
			return nil, err
		}
		access, _ := s.store.GetAccess(ctx, wf.EmergencyAccessID)
		s.audit(ctx, actorID, access, "EMERGENCY_REVIEW", audit.DecisionGranted, "post-access review completed")
		return wf, nil
	}
	return nil, ErrDoubleActivation
}

// Workflow loads a workflow, applying lazy expiry: an overdue PENDING
// workflow is reported (and best-effort persisted) as EXPIRED so no read
// path can treat it as approvable.
func (s *Service) Workflow(ctx context.Context, workflowID string) (*Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrWorkflowNotFound
		}
		return nil, err
	}
	if wf.Status == StatusPending && s.now().UTC().After(wf.ExpiresAt) {
		s.expire(ctx, wf)
	}
	return wf, nil
}

// expire flips a PENDING workflow to EXPIRED. Persisting the flip is best
// effort; callers already refuse to act on the overdue workflow.
func (s *Service) expire(ctx context.Context, wf *Workflow) {
	expected := wf.Version
	wf.Status = StatusExpired
	wf.UpdatedAt = s.now().UTC()
	if err := s.store.Update(ctx, wf, expected); err == nil {
		obs.ObserveWorkflowTransition(string(StatusExpired))
	}
}

func (s *Service) finishVote(ctx context.Context, wf *Workflow, actorID string, approved bool) {
	access, err := s.store.GetAccess(ctx, wf.EmergencyAccessID)
	if err != nil {
		access = &Access{ID: wf.EmergencyAccessID, OrganizationID: wf.OrganizationID}
	}
	switch wf.Status {
	case StatusApproved:
		obs.ObserveWorkflowTransition(string(StatusApproved))
		s.audit(ctx, actorID, access, "EMERGENCY_APPROVE", audit.DecisionGranted, "break-glass grant activated")
		evt := notify.NewEvent("emergency_access_granted", access.UserID,
			fmt.Sprintf("break-glass access to %s/%s is active until %s",
				access.ResourceType, access.ResourceID, access.EndTime.Format(time.RFC3339)),
			map[string]string{"workflow_id": wf.ID})
		s.dispatcher.Dispatch(ctx, evt, []string{access.UserID})
	case StatusRejected:
		obs.ObserveWorkflowTransition(string(StatusRejected))
		s.audit(ctx, actorID, access, "EMERGENCY_REJECT", audit.DecisionDenied, "break-glass request rejected")
		evt := notify.NewEvent("emergency_access_rejected", access.UserID,
			fmt.Sprintf("break-glass request for %s/%s was rejected", access.ResourceType, access.ResourceID),
			map[string]string{"workflow_id": wf.ID})
		s.dispatcher.Dispatch(ctx, evt, []string{access.UserID})
	default:
		decision := audit.DecisionDenied
		if approved {
			decision = audit.DecisionGranted
		}
		s.audit(ctx, actorID, access, "EMERGENCY_VOTE", decision, "approval vote recorded")
	}
}

func (s *Service) audit(ctx context.Context, actorID string, access *Access, action, decision, reason string) {
	rec := &audit.Record{
		ID:             ids.New(),
		Timestamp:      s.now().UTC(),
		UserID:         actorID,
		OrganizationID: access.OrganizationID,
		ResourceType:   access.ResourceType,
		ResourceID:     access.ResourceID,
		Action:         action,
		Decision:       decision,
		Reason:         reason,
		Emergency:      true,
	}
	if err := s.auditSink.Append(ctx, rec); err != nil {
		_, _ = s.alerts.Raise(ctx, alert.TypeAuditWriteFailure, alert.SeverityHigh, actorID, map[string]string{
			"action": action,
			"error":  err.Error(),
		})
	}
}

func validateRequest(req Request) error {
	if strings.TrimSpace(req.UserID) == "" ||
		strings.TrimSpace(req.OrganizationID) == "" ||
		strings.TrimSpace(req.ResourceType) == "" ||
		strings.TrimSpace(req.ResourceID) == "" {
		return fmt.Errorf("%w: user, organization and resource are required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return fmt.Errorf("%w: a reason is required for break-glass access", ErrInvalidInput)
	}
	return nil
}
