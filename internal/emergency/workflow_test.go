package emergency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"caregate.org/internal/alert"
	"caregate.org/internal/audit"
	"caregate.org/internal/notify"
	"caregate.org/internal/tenant"
)

// fakeStore is an in-package Store with injectable version conflicts.
type fakeStore struct {
	mu        sync.Mutex
	access    map[string]*Access
	workflows map[string]*Workflow
	conflicts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{access: make(map[string]*Access), workflows: make(map[string]*Workflow)}
}

// failNext makes the next n workflow updates lose their version race.
func (s *fakeStore) failNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = n
}

func (s *fakeStore) CreateRequest(_ context.Context, access *Access, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ca := *access
	s.access[access.ID] = &ca
	s.workflows[wf.ID] = cloneWF(wf)
	return nil
}

func (s *fakeStore) GetAccess(_ context.Context, id string) (*Access, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.access[id]
	if !ok {
		return nil, ErrNotFound
	}
	ca := *a
	return &ca, nil
}

func (s *fakeStore) FindCurrent(_ context.Context, userID, resourceType, resourceID string) (*Access, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.access {
		if a.Active && a.UserID == userID && a.ResourceType == resourceType && a.ResourceID == resourceID {
			ca := *a
			return &ca, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeStore) Deactivate(_ context.Context, id string, endTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.access[id]
	if !ok {
		return ErrNotFound
	}
	if a.Active {
		a.Active = false
		a.EndTime = endTime
	}
	return nil
}

func (s *fakeStore) CountRequestsSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.access {
		if a.UserID == userID && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWF(wf), nil
}

func (s *fakeStore) GetWorkflowByAccess(_ context.Context, accessID string) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wf := range s.workflows {
		if wf.EmergencyAccessID == accessID {
			return cloneWF(wf), nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeStore) Update(_ context.Context, wf *Workflow, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(wf, expectedVersion)
}

func (s *fakeStore) ApproveAndActivate(_ context.Context, wf *Workflow, expectedVersion int, endTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.access[wf.EmergencyAccessID]
	if !ok {
		return ErrNotFound
	}
	if err := s.updateLocked(wf, expectedVersion); err != nil {
		return err
	}
	a.Active = true
	a.EndTime = endTime
	return nil
}

func (s *fakeStore) updateLocked(wf *Workflow, expectedVersion int) error {
	if s.conflicts > 0 {
		s.conflicts--
		return ErrVersionConflict
	}
	cur, ok := s.workflows[wf.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	next := cloneWF(wf)
	next.Version = expectedVersion + 1
	s.workflows[wf.ID] = next
	wf.Version = next.Version
	return nil
}

func cloneWF(wf *Workflow) *Workflow {
	cp := *wf
	cp.Approvers = append([]Vote(nil), wf.Approvers...)
	return &cp
}

type staticDirectory struct {
	members []Approver
}

func (d *staticDirectory) UsersByRole(_ context.Context, _ string, roles []string) ([]Approver, error) {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	var out []Approver
	for _, m := range d.members {
		if _, ok := allowed[m.Role]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

type fakeAlertStore struct {
	mu     sync.Mutex
	alerts []*alert.Alert
}

func (s *fakeAlertStore) Append(_ context.Context, a *alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.alerts = append(s.alerts, &cp)
	return nil
}

func (s *fakeAlertStore) FindOpen(_ context.Context, alertType, subject string) (*alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.Type == alertType && a.Subject == subject && a.Open() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, alert.ErrNotFound
}

func (s *fakeAlertStore) UpdateStatus(_ context.Context, id string, status alert.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.ID == id {
			a.Status = status
			return nil
		}
	}
	return alert.ErrNotFound
}

func (s *fakeAlertStore) ListOpen(_ context.Context) ([]*alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*alert.Alert
	for _, a := range s.alerts {
		if a.Open() {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

type auditLog struct {
	mu      sync.Mutex
	records []*audit.Record
}

func (l *auditLog) Append(_ context.Context, rec *audit.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *rec
	l.records = append(l.records, &cp)
	return nil
}

type workflowFixture struct {
	svc    *Service
	store  *fakeStore
	alerts *fakeAlertStore
	sink   *auditLog
	now    time.Time
}

func newWorkflowFixture(t *testing.T, members []Approver) *workflowFixture {
	t.Helper()
	f := &workflowFixture{
		store:  newFakeStore(),
		alerts: &fakeAlertStore{},
		sink:   &auditLog{},
		now:    time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
	}
	dispatcher, err := notify.NewDispatcher(notify.NewLogNotifier(), 600, 100)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	alerts, err := alert.NewManager(f.alerts, dispatcher)
	if err != nil {
		t.Fatalf("alert manager: %v", err)
	}
	svc, err := NewService(f.store, &staticDirectory{members: members}, tenant.NewStaticProvider(),
		alerts, dispatcher, f.sink, WithClock(func() time.Time { return f.now }))
	if err != nil {
		t.Fatalf("workflow service: %v", err)
	}
	f.svc = svc
	return f
}

func defaultApprovers() []Approver {
	return []Approver{
		{UserID: "doctor-1", Role: "DOCTOR"},
		{UserID: "admin-1", Role: "ADMINISTRATOR"},
		{UserID: "senior-1", Role: "SENIOR_NURSE"},
	}
}

func breakGlass() Request {
	return Request{
		UserID:         "nurse-1",
		OrganizationID: "org-1",
		ResourceType:   "VISITOR_LOG",
		ResourceID:     "vl-9",
		Reason:         "resident fall, on-call record needed",
	}
}

func TestRequestAccessCreatesPendingWorkflow(t *testing.T) {
	f := newWorkflowFixture(t, defaultApprovers())
	ctx := context.Background()

	wf, access, err := f.svc.RequestAccess(ctx, breakGlass())
	if err != nil {
		t.Fatalf("request access: %v", err)
	}
	if wf.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", wf.Status)
	}
	if access.Active {
		t.Fatal("the grant must start inactive")
	}
	if len(wf.Approvers) != 3 {
		t.Fatalf("expected 3 eligible approvers, got %d", len(wf.Approvers))
	}
	if wf.RiskLevel != RiskLow || wf.PostAccessReview {
		t.Fatalf("a first request for a plain resource should be LOW without review, got %s review=%v", wf.RiskLevel, wf.PostAccessReview)
	}
	if !wf.ExpiresAt.Equal(f.now.Add(DefaultApprovalWindow)) {
		t.Fatalf("unexpected approval window expiry %v", wf.ExpiresAt)
	}
	if _, ok := f.svc.ActiveGrant(ctx, "nurse-1", "VISITOR_LOG", "vl-9"); ok {
		t.Fatal("no grant may be live before approval")
	}
	open, _ := f.alerts.ListOpen(ctx)
	if len(open) != 1 || open[0].Type != alert.TypeEmergencyRequest {
		t.Fatalf("expected one EMERGENCY_ACCESS_REQUEST alert, got %+v", open)
	}
}

func TestRequestAccessExcludesRequesterFromApprovers(t *testing.T) {
	f := newWorkflowFixture(t, defaultApprovers())
	req := breakGlass()
	req.UserID = "doctor-1"

	wf, _, err := f.svc.RequestAccess(context.Background(), req)
	if err != nil {
		t.Fatalf("request access: %v", err)
	}
	if wf.VoteIndex("doctor-1") >= 0 {
		t.Fatal("requesters must not vote on their own request")
	}
	if len(wf.Approvers) != 2 {
		t.Fatalf("expected 2 approvers after excluding the requester, got %d", len(wf.Approvers))
	}
}

func TestRequestAccessFailsFastWithTooFewApprovers(t *testing.T) {
	f := newWorkflowFixture(t, []Approver{{UserID: "doctor-1", Role: "DOCTOR"}})
	_, _, err := f.svc.RequestAccess(context.Background(), breakGlass())
	if !errors.Is(err, ErrInsufficientApprovers) {
		t.Fatalf("expected ErrInsufficientApprovers, got %v", err)
	}
	if len(f.store.access) != 0 || len(f.store.workflows) != 0 {
		t.Fatal("nothing may be persisted when the request cannot be approved")
	}
}

func TestApprovalThresholdActivatesGrant(t *testing.T) {
	f := newWorkflowFixture(t, defaultApprovers())
	ctx := context.Background()
	wf, _, err := f.svc.RequestAccess(ctx, breakGlass())
	if err != nil {
		t.Fatalf("request access: %v", err)
	}

	wf, err = f.svc.Approve(ctx, wf.ID, "doctor-1", true, "")
	if err != nil {
		t.Fatalf("first vote: %v", err)
	}
	if wf.Status != StatusPending {
		t.Fatalf("one of two approvals must keep PENDING, got %s", wf.Status)
	}
	if _, ok := f.svc.ActiveGrant(ctx, "nurse-1", "VISITOR_LOG", "vl-9"); ok {
		t.Fatal("no grant may be live below the approval threshold")
	}

	wf, err = f.svc.Approve(ctx, wf.ID, "admin-1", true, "")
	if err != nil {
		t.Fatalf("second vote: %v", err)
	}
	if wf.Status != StatusApproved {
		t.Fatalf("expected APPROVED, got %s", wf.Status)
	}

	grant, ok := f.svc.ActiveGrant(ctx, "nurse-1", "VISITOR_LOG", "vl-9")
	if !ok {
		t.Fatal("expected a live grant after approval")
	}
	if !grant.EndTime.Equal(f.now.Add(tenant.DefaultMaxEmergencyDuration)) {
		t.Fatalf("grant must end at the tenant duration cap, got %v", grant.EndTime)
	}
}

func TestRepeatVoteOverwrites(t *testing.T) {
	f := newWorkflowFixture(t, defaultApprovers())
	ctx := context.Background()
	wf, _, err := f.svc.RequestAccess(ctx, breakGlass())
	if err != nil {
		t.Fatalf("request access: %v", err)
	}

	if _, err := f.svc.Approve(ctx, wf.ID, "doctor-1", true, ""); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	wf, err = f.svc.Approve(ctx, wf.ID, "doctor-1", true, "still yes")
	if err != nil {
		t.Fatalf("repeat vote: %v", err)
	}
	if wf.Status != StatusPending {
		t.Fatalf("a repeated vote must not double-count, got %s", wf.Status)
	}
	if wf.ApprovedCount() != 1 {
		t.Fatalf("expected one approval after the re-vote, got %d", wf.ApprovedCount())
	}

	wf, err = f.svc.Approve(ctx, wf.ID, "doctor-1", false, "changed my mind")
	if err != nil {
		t.Fatalf("flip vote: %v", err)
	}
	if wf.ApprovedCount() != 0 || wf.RejectedCount() != 1 {
		t.Fatalf("flipping a vote must overwrite it, got %d approved %d rejected", wf.ApprovedCount(), wf.RejectedCount())
	}
}

func TestRejectionShortCircuits(t *testing.T) {
	f := newWorkflowFixture(t, defaultApprovers())
	ctx := context.Background()
	wf, _, err := f.svc.RequestAccess(ctx, breakGlass())
	if err != nil {
		t.Fatalf("request access: %v", err)
	}

	if _, err := f.svc.Approve(ctx, wf.ID, "doctor-1", false, "not justified"); err != nil {
		t.Fatalf("first rejection: %v", err)
	}
	wf, err = f.svc.Approve(ctx, wf.ID, "admin-1", false, "agree")
	if err != nil {
		t.Fatalf("second rejection: %v", err)
	}
	if wf.Status != StatusRejected {
		t.Fatalf("two rejections of three approvers make approval impossible, got %s", wf.Status)
	}

	if _, err := f.svc.Approve(ctx, wf.ID, "senior-1", true, ""); !errors.Is(err, ErrNotPending) {
		t.Fatalf("voting on a settled workflow must fail, got %v", err)
	}
}

func TestExpiredWorkflowRefusesVotes(t *testing.T) {
	f := newWorkflowFixture(t, defaultApprovers())
	ctx := context.Background()
	wf, _, err := f.svc.RequestAccess(ctx, breakGlass())
	if err != nil {
		t.Fatalf("request access: %v", err)
	}
	if _, err := f.svc.Approve(ctx, wf.ID, "doctor-1", true, ""); err != nil {
		t.Fatalf("vote: %v", err)
	}

	f.now = f.now.Add(DefaultApprovalWindow + time.Minute)
	if _, err := f.svc.Approve(ctx, wf.ID, "admin-1", true, ""); !errors.Is(err, ErrExpiredWorkflow) {
		t.Fatalf("expected ErrExpiredWorkflow, got %v", err)
	}

	got, err := f.svc.Workflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("load workflow: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("expected EXPIRED after the window, got %s", got.Status)
	}
	if _, ok := f.svc.ActiveGrant(ctx, "nurse-1", "VISITOR_LOG", "vl-9"); ok {
		t.Fatal("an expired workflow must never yield a grant")
	}
}

func TestApproveRetriesLostVersionRace(t *testing.T) {
	f := newWorkflowFixture(t, defaultApprovers())
	ctx := context.Background()
	wf, _, err := f.svc.RequestAccess(ctx, breakGlass())
	if err != nil {
		t.Fatalf("request access: %v", err)
	}

	f.store.failNext(1)
	if _, err := f.svc.Approve(ctx, wf.ID, "doctor-1", true, ""); err != nil {
		t.Fatalf("a single lost race must be retried, got %v", err)
	}

	f.store.failNext(3)
	if _, err := f.svc.Approve(ctx, wf.ID, "admin-1", true, ""); !errors.Is(err, ErrDoubleActivation) {
		t.Fatalf("exhausted retries must surface ErrDoubleActivation, got %v", err)
	}
}

func TestVoteEligibility(t *testing.T) {
	f := newWorkflowFixture(t, defaultApprovers())
	ctx := context.Background()
	wf, _, err := f.svc.RequestAccess(ctx, breakGlass())
	if err != nil {
		t.Fatalf("request access: %v", err)
	}
	if _, err := f.svc.Approve(ctx, wf.ID, "stranger-1", true, ""); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
	if _, err := f.svc.Approve(ctx, "wf-missing", "doctor-1", true, ""); !errors.Is(err, ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newWorkflowFixture(t, defaultApprovers())
	ctx := context.Background()
	wf, access, err := f.svc.RequestAccess(ctx, breakGlass())
	if err != nil {
		t.Fatalf("request access: %v", err)
	}
	if _, err := f.svc.Approve(ctx, wf.ID, "doctor-1", true, ""); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := f.svc.Approve(ctx, wf.ID, "admin-1", true, ""); err != nil {
		t.Fatalf("vote: %v", err)
	}

	if err := f.svc.Revoke(ctx, access.ID, "admin-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, ok := f.svc.ActiveGrant(ctx, "nurse-1", "VISITOR_LOG", "vl-9"); ok {
		t.Fatal("a revoked grant must not be live")
	}
	if err := f.svc.Revoke(ctx, access.ID, "admin-1"); err != nil {
		t.Fatalf("revoking an inactive grant must be a no-op, got %v", err)
	}
}

func TestLazyExpiryOfOverdueGrant(t *testing.T) {
	f := newWorkflowFixture(t, defaultApprovers())
	ctx := context.Background()
	wf, access, err := f.svc.RequestAccess(ctx, breakGlass())
	if err != nil {
		t.Fatalf("request access: %v", err)
	}
	if _, err := f.svc.Approve(ctx, wf.ID, "doctor-1", true, ""); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if _, err := f.svc.Approve(ctx, wf.ID, "admin-1", true, ""); err != nil {
		t.Fatalf("vote: %v", err)
	}

	f.now = f.now.Add(tenant.DefaultMaxEmergencyDuration + time.Minute)
	if _, ok := f.svc.ActiveGrant(ctx, "nurse-1", "VISITOR_LOG", "vl-9"); ok {
		t.Fatal("an overdue grant must be treated as expired at read time")
	}
	got, err := f.store.GetAccess(ctx, access.ID)
	if err != nil {
		t.Fatalf("get access: %v", err)
	}
	if got.Active {
		t.Fatal("the overdue grant should have been deactivated on read")
	}
}

func TestCompleteReview(t *testing.T) {
	f := newWorkflowFixture(t, defaultApprovers())
	ctx := context.Background()
	req := breakGlass()
	req.ResourceType = "MEDICAL_RECORD"

	wf, _, err := f.svc.RequestAccess(ctx, req)
	if err != nil {
		t.Fatalf("request access: %v", err)
	}
	if wf.RiskLevel != RiskHigh || !wf.PostAccessReview {
		t.Fatalf("a medical-record request must be HIGH risk with review, got %s review=%v", wf.RiskLevel, wf.PostAccessReview)
	}

	got, err := f.svc.CompleteReview(ctx, wf.ID, "admin-1", "access justified, no findings")
	if err != nil {
		t.Fatalf("complete review: %v", err)
	}
	if !got.ReviewCompleted || got.ReviewNotes == "" {
		t.Fatalf("review not recorded: %+v", got)
	}

	plain, _, err := f.svc.RequestAccess(ctx, breakGlass())
	if err != nil {
		t.Fatalf("request access: %v", err)
	}
	if _, err := f.svc.CompleteReview(ctx, plain.ID, "admin-1", "n/a"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("reviewing a workflow without mandatory review must fail, got %v", err)
	}
}

func TestRequestAccessValidation(t *testing.T) {
	f := newWorkflowFixture(t, defaultApprovers())
	req := breakGlass()
	req.Reason = ""
	if _, _, err := f.svc.RequestAccess(context.Background(), req); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("a break-glass request without a reason must fail, got %v", err)
	}
}
