package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"caregate.org/internal/alert"
	"caregate.org/internal/audit"
	"caregate.org/internal/emergency"
	"caregate.org/internal/policy"
)

func TestPolicyStoreVersioning(t *testing.T) {
	s := NewPolicyStore()
	ctx := context.Background()
	p := &policy.Policy{ID: "p-1", Roles: []string{"NURSE"}, ResourceTypes: []string{"MEDICAL_RECORD"},
		Actions: []string{"VIEW"}, Active: true, Version: 1}
	if err := s.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, p); !errors.Is(err, policy.ErrConflict) {
		t.Fatalf("duplicate create must conflict, got %v", err)
	}

	stale := *p
	if err := s.Update(ctx, p); err != nil {
		t.Fatalf("update: %v", err)
	}
	if p.Version != 2 {
		t.Fatalf("update must bump the version, got %d", p.Version)
	}
	if err := s.Update(ctx, &stale); !errors.Is(err, policy.ErrConflict) {
		t.Fatalf("stale update must conflict, got %v", err)
	}
}

func TestPolicyStoreFindApplicableOrder(t *testing.T) {
	s := NewPolicyStore()
	ctx := context.Background()
	for _, p := range []*policy.Policy{
		{ID: "p-low", Roles: []string{"NURSE"}, ResourceTypes: []string{"MEDICAL_RECORD"}, Actions: []string{"VIEW"}, Priority: 1, Active: true, Version: 1},
		{ID: "p-high", Roles: []string{"NURSE"}, ResourceTypes: []string{"MEDICAL_RECORD"}, Actions: []string{"VIEW"}, Priority: 9, Active: true, Version: 1},
		{ID: "p-other", Roles: []string{"DOCTOR"}, ResourceTypes: []string{"MEDICAL_RECORD"}, Actions: []string{"VIEW"}, Priority: 5, Active: true, Version: 1},
	} {
		if err := s.Create(ctx, p); err != nil {
			t.Fatalf("create %s: %v", p.ID, err)
		}
	}
	got, err := s.FindApplicable(ctx, policy.AccessRequest{
		UserRoles: []string{"NURSE"}, ResourceType: "MEDICAL_RECORD", Action: "VIEW",
		Context: policy.RequestContext{OrganizationID: "org-1"},
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p-high" || got[1].ID != "p-low" {
		t.Fatalf("expected priority-descending [p-high p-low], got %+v", got)
	}
}

func TestEmergencyStoreApproveAndActivate(t *testing.T) {
	s := NewEmergencyStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	access := &emergency.Access{ID: "em-1", UserID: "nurse-1", ResourceType: "MEDICAL_RECORD", ResourceID: "rec-1", CreatedAt: now}
	wf := &emergency.Workflow{ID: "wf-1", EmergencyAccessID: "em-1", Status: emergency.StatusPending, Version: 1}
	if err := s.CreateRequest(ctx, access, wf); err != nil {
		t.Fatalf("create: %v", err)
	}

	wf.Status = emergency.StatusApproved
	end := now.Add(4 * time.Hour)
	if err := s.ApproveAndActivate(ctx, wf, 1, end); err != nil {
		t.Fatalf("approve and activate: %v", err)
	}
	got, err := s.GetAccess(ctx, "em-1")
	if err != nil {
		t.Fatalf("get access: %v", err)
	}
	if !got.Active || !got.EndTime.Equal(end) {
		t.Fatalf("grant not activated: %+v", got)
	}
	stored, err := s.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if stored.Status != emergency.StatusApproved || stored.Version != 2 {
		t.Fatalf("workflow not transitioned: %+v", stored)
	}

	// A second activation with the consumed version must lose.
	if err := s.ApproveAndActivate(ctx, wf, 1, end); !errors.Is(err, emergency.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestEmergencyStoreFindCurrentPicksNewest(t *testing.T) {
	s := NewEmergencyStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	old := &emergency.Access{ID: "em-old", UserID: "nurse-1", ResourceType: "MEDICAL_RECORD", ResourceID: "rec-1", Active: true, CreatedAt: base}
	recent := &emergency.Access{ID: "em-new", UserID: "nurse-1", ResourceType: "MEDICAL_RECORD", ResourceID: "rec-1", Active: true, CreatedAt: base.Add(time.Hour)}
	for _, a := range []*emergency.Access{old, recent} {
		wf := &emergency.Workflow{ID: "wf-" + a.ID, EmergencyAccessID: a.ID, Version: 1}
		if err := s.CreateRequest(ctx, a, wf); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	got, err := s.FindCurrent(ctx, "nurse-1", "MEDICAL_RECORD", "rec-1")
	if err != nil {
		t.Fatalf("find current: %v", err)
	}
	if got.ID != "em-new" {
		t.Fatalf("expected the newest grant, got %s", got.ID)
	}

	if err := s.Deactivate(ctx, "em-new", base.Add(2*time.Hour)); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := s.Deactivate(ctx, "em-new", base.Add(3*time.Hour)); err != nil {
		t.Fatalf("repeated deactivate must be a no-op, got %v", err)
	}
}

func TestEmergencyStoreCountRequestsSince(t *testing.T) {
	s := NewEmergencyStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	for i, age := range []time.Duration{time.Hour, 40 * 24 * time.Hour, 2 * time.Hour} {
		a := &emergency.Access{ID: string(rune('a' + i)), UserID: "nurse-1", CreatedAt: base.Add(-age)}
		wf := &emergency.Workflow{ID: "wf-" + a.ID, EmergencyAccessID: a.ID, Version: 1}
		if err := s.CreateRequest(ctx, a, wf); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	n, err := s.CountRequestsSince(ctx, "nurse-1", base.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 requests inside the window, got %d", n)
	}
}

func TestAuditStoreListSince(t *testing.T) {
	s := NewAuditStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	for i, age := range []time.Duration{3 * time.Hour, time.Hour, 48 * time.Hour} {
		rec := &audit.Record{ID: string(rune('a' + i)), Timestamp: base.Add(-age), UserID: "nurse-1"}
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := s.ListSince(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if !got[0].Timestamp.Before(got[1].Timestamp) {
		t.Fatal("records must be oldest first")
	}
	if err := s.Append(ctx, nil); !errors.Is(err, audit.ErrInvalidInput) {
		t.Fatalf("nil record must be rejected, got %v", err)
	}
}

func TestAlertStoreOpenLifecycle(t *testing.T) {
	s := NewAlertStore()
	ctx := context.Background()
	a := &alert.Alert{ID: "a-1", Type: alert.TypeGeoAnomaly, Severity: alert.SeverityHigh, Subject: "nurse-1", Status: alert.StatusNew}
	if err := s.Append(ctx, a); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err := s.FindOpen(ctx, alert.TypeGeoAnomaly, "nurse-1")
	if err != nil {
		t.Fatalf("find open: %v", err)
	}
	if got.ID != "a-1" {
		t.Fatalf("unexpected alert %+v", got)
	}
	if _, err := s.FindOpen(ctx, alert.TypeGeoAnomaly, "nurse-2"); !errors.Is(err, alert.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another subject, got %v", err)
	}

	if err := s.UpdateStatus(ctx, "a-1", alert.StatusResolved); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if _, err := s.FindOpen(ctx, alert.TypeGeoAnomaly, "nurse-1"); !errors.Is(err, alert.ErrNotFound) {
		t.Fatalf("a resolved alert is not open, got %v", err)
	}
	open, err := s.ListOpen(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open alerts, got %d", len(open))
	}
}

func TestDirectoryFiltersByRole(t *testing.T) {
	d := NewDirectory()
	d.AddMember("org-1", "doctor-1", "DOCTOR")
	d.AddMember("org-1", "admin-1", "ADMINISTRATOR")
	d.AddMember("org-1", "nurse-1", "NURSE")
	d.AddMember("org-2", "doctor-2", "DOCTOR")

	got, err := d.UsersByRole(context.Background(), "org-1", []string{"DOCTOR", "ADMINISTRATOR"})
	if err != nil {
		t.Fatalf("users by role: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 eligible members, got %d", len(got))
	}
	for _, m := range got {
		if m.UserID == "nurse-1" || m.UserID == "doctor-2" {
			t.Fatalf("unexpected member %s", m.UserID)
		}
	}
}
