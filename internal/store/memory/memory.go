// Package memory provides in-process store implementations for library
// embedding and tests. Durable deployments use the pg package instead.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"caregate.org/internal/alert"
	"caregate.org/internal/audit"
	"caregate.org/internal/emergency"
	"caregate.org/internal/policy"
)

// PolicyStore implements policy.Store with in-process concurrency safety.
type PolicyStore struct {
	mu       sync.RWMutex
	policies map[string]*policy.Policy
}

// NewPolicyStore creates an empty policy store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{policies: make(map[string]*policy.Policy)}
}

var _ policy.Store = (*PolicyStore)(nil)

func (s *PolicyStore) Create(_ context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[p.ID]; ok {
		return policy.ErrConflict
	}
	cp := *p
	s.policies[p.ID] = &cp
	return nil
}

func (s *PolicyStore) Get(_ context.Context, id string) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, policy.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *PolicyStore) Update(_ context.Context, p *policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.policies[p.ID]
	if !ok {
		return policy.ErrNotFound
	}
	if cur.Version != p.Version {
		return policy.ErrConflict
	}
	cp := *p
	cp.Version = cur.Version + 1
	s.policies[p.ID] = &cp
	p.Version = cp.Version
	return nil
}

func (s *PolicyStore) FindApplicable(_ context.Context, req policy.AccessRequest) ([]*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*policy.Policy
	for _, p := range s.policies {
		if p.Matches(req) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

func (s *PolicyStore) ListByOrg(_ context.Context, organizationID string) ([]*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*policy.Policy
	for _, p := range s.policies {
		if p.OrganizationID == organizationID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// EmergencyStore implements emergency.Store. A single mutex covers grants
// and workflows so ApproveAndActivate is atomic.
type EmergencyStore struct {
	mu        sync.Mutex
	access    map[string]*emergency.Access
	workflows map[string]*emergency.Workflow
}

// NewEmergencyStore creates an empty store.
func NewEmergencyStore() *EmergencyStore {
	return &EmergencyStore{
		access:    make(map[string]*emergency.Access),
		workflows: make(map[string]*emergency.Workflow),
	}
}

var _ emergency.Store = (*EmergencyStore)(nil)

func (s *EmergencyStore) CreateRequest(_ context.Context, access *emergency.Access, wf *emergency.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ca := *access
	s.access[access.ID] = &ca
	cw := cloneWorkflow(wf)
	s.workflows[wf.ID] = cw
	return nil
}

func (s *EmergencyStore) GetAccess(_ context.Context, id string) (*emergency.Access, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.access[id]
	if !ok {
		return nil, emergency.ErrNotFound
	}
	ca := *a
	return &ca, nil
}

func (s *EmergencyStore) FindCurrent(_ context.Context, userID, resourceType, resourceID string) (*emergency.Access, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var newest *emergency.Access
	for _, a := range s.access {
		if !a.Active || a.UserID != userID || a.ResourceType != resourceType || a.ResourceID != resourceID {
			continue
		}
		if newest == nil || a.CreatedAt.After(newest.CreatedAt) {
			newest = a
		}
	}
	if newest == nil {
		return nil, emergency.ErrNotFound
	}
	ca := *newest
	return &ca, nil
}

func (s *EmergencyStore) Deactivate(_ context.Context, id string, endTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.access[id]
	if !ok {
		return emergency.ErrNotFound
	}
	if !a.Active {
		return nil
	}
	a.Active = false
	a.EndTime = endTime
	return nil
}

func (s *EmergencyStore) CountRequestsSince(_ context.Context, userID string, since time.Time) (int, error) {
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

func (s *EmergencyStore) GetWorkflow(_ context.Context, id string) (*emergency.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, emergency.ErrNotFound
	}
	return cloneWorkflow(wf), nil
}

func (s *EmergencyStore) GetWorkflowByAccess(_ context.Context, accessID string) (*emergency.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wf := range s.workflows {
		if wf.EmergencyAccessID == accessID {
			return cloneWorkflow(wf), nil
		}
	}
	return nil, emergency.ErrNotFound
}

func (s *EmergencyStore) Update(_ context.Context, wf *emergency.Workflow, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(wf, expectedVersion)
}

func (s *EmergencyStore) ApproveAndActivate(_ context.Context, wf *emergency.Workflow, expectedVersion int, endTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.access[wf.EmergencyAccessID]
	if !ok {
		return emergency.ErrNotFound
	}
	if err := s.updateLocked(wf, expectedVersion); err != nil {
		return err
	}
	a.Active = true
	a.EndTime = endTime
	return nil
}

func (s *EmergencyStore) updateLocked(wf *emergency.Workflow, expectedVersion int) error {
	cur, ok := s.workflows[wf.ID]
	if !ok {
		return emergency.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return emergency.ErrVersionConflict
	}
	next := cloneWorkflow(wf)
	next.Version = expectedVersion + 1
	s.workflows[wf.ID] = next
	wf.Version = next.Version
	return nil
}

func cloneWorkflow(wf *emergency.Workflow) *emergency.Workflow {
	cp := *wf
	cp.Approvers = append([]emergency.Vote(nil), wf.Approvers...)
	return &cp
}

// AuditStore implements audit.Store as an append-only in-memory log.
type AuditStore struct {
	mu      sync.RWMutex
	records []*audit.Record
}

// NewAuditStore creates an empty audit log.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

var _ audit.Store = (*AuditStore)(nil)

func (s *AuditStore) Append(_ context.Context, rec *audit.Record) error {
	if rec == nil {
		return audit.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *AuditStore) ListSince(_ context.Context, since time.Time) ([]*audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*audit.Record
	for _, rec := range s.records {
		if !rec.Timestamp.Before(since) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// AlertStore implements alert.Store.
type AlertStore struct {
	mu     sync.RWMutex
	alerts map[string]*alert.Alert
}

// NewAlertStore creates an empty alert store.
func NewAlertStore() *AlertStore {
	return &AlertStore{alerts: make(map[string]*alert.Alert)}
}

var _ alert.Store = (*AlertStore)(nil)

func (s *AlertStore) Append(_ context.Context, a *alert.Alert) error {
	if a == nil {
		return alert.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.alerts[a.ID] = &cp
	return nil
}

func (s *AlertStore) FindOpen(_ context.Context, alertType, subject string) (*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.alerts {
		if a.Type == alertType && a.Subject == subject && a.Open() {
			cp := *a
			return &cp, nil
		}
	}
	return nil, alert.ErrNotFound
}

func (s *AlertStore) UpdateStatus(_ context.Context, id string, status alert.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return alert.ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *AlertStore) ListOpen(_ context.Context) ([]*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*alert.Alert
	for _, a := range s.alerts {
		if a.Open() {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Directory implements emergency.Directory over a static member list.
type Directory struct {
	mu      sync.RWMutex
	members map[string][]emergency.Approver // orgID -> members
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{members: make(map[string][]emergency.Approver)}
}

var _ emergency.Directory = (*Directory)(nil)

// AddMember registers an organization member with their role.
func (d *Directory) AddMember(organizationID, userID, role string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[organizationID] = append(d.members[organizationID], emergency.Approver{UserID: userID, Role: role})
}

func (d *Directory) UsersByRole(_ context.Context, organizationID string, roles []string) ([]emergency.Approver, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	var out []emergency.Approver
	for _, m := range d.members[organizationID] {
		if _, ok := allowed[m.Role]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}
