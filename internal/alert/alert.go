package alert

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"caregate.org/internal/notify"
	"caregate.org/internal/obs"
)

var (
	ErrNotFound     = errors.New("alert: not found")
	ErrInvalidInput = errors.New("alert: invalid input")
)

// Severity mirrors the risk levels used by the emergency workflow.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Status is the triage state of an alert.
type Status string

const (
	StatusNew           Status = "NEW"
	StatusInvestigating Status = "INVESTIGATING"
	StatusResolved      Status = "RESOLVED"
	StatusFalsePositive Status = "FALSE_POSITIVE"
)

// Alert types raised by the engine.
const (
	TypeEmergencyRequest  = "EMERGENCY_ACCESS_REQUEST"
	TypeUnusualAccess     = "UNUSUAL_ACCESS"
	TypeGeoAnomaly        = "GEO_ANOMALY"
	TypePolicyViolation   = "POLICY_VIOLATION"
	TypeAuditWriteFailure = "AUDIT_WRITE_FAILURE"
)

// Alert is a monitoring finding. Subject identifies what the alert is about
// (a user id, a policy id); together with Type it deduplicates repeated
// scans.
type Alert struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Severity  Severity          `json:"severity"`
	Subject   string            `json:"subject,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Open reports whether the alert still needs attention.
func (a *Alert) Open() bool {
	return a.Status == StatusNew || a.Status == StatusInvestigating
}

// Store persists alerts.
type Store interface {
	Append(ctx context.Context, a *Alert) error
	// FindOpen returns the open (NEW or INVESTIGATING) alert for the
	// (type, subject) pair, or ErrNotFound.
	FindOpen(ctx context.Context, alertType, subject string) (*Alert, error)
	UpdateStatus(ctx context.Context, id string, status Status) error
	ListOpen(ctx context.Context) ([]*Alert, error)
}

// Recipient groups by severity: HIGH pages the security team, MEDIUM goes
// to analysts, LOW to admins.
func RecipientsFor(sev Severity) []string {
	switch sev {
	case SeverityHigh:
		return []string{"security-team"}
	case SeverityMedium:
		return []string{"security-analysts"}
	default:
		return []string{"care-home-admins"}
	}
}

// Manager raises, deduplicates and fans out alerts.
type Manager struct {
	store      Store
	dispatcher *notify.Dispatcher
	now        func() time.Time
}

// ManagerOption configures Manager behavior.
type ManagerOption func(*Manager)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewManager constructs the alert manager.
func NewManager(store Store, dispatcher *notify.Dispatcher, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.New("alert: store is required")
	}
	if dispatcher == nil {
		return nil, errors.New("alert: dispatcher is required")
	}
	m := &Manager{store: store, dispatcher: dispatcher, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Raise creates an alert unless an open one already exists for the same
// (type, subject). The alert is persisted first; even if persistence fails
// the notification still goes out, so a finding is never silently dropped.
func (m *Manager) Raise(ctx context.Context, alertType string, sev Severity, subject string, details map[string]string) (*Alert, error) {
	if alertType == "" {
		return nil, ErrInvalidInput
	}
	if existing, err := m.store.FindOpen(ctx, alertType, subject); err == nil && existing != nil {
		return existing, nil
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		obs.LogEvent(map[string]any{
			"ts":    m.now().UTC().Format(time.RFC3339Nano),
			"level": "warn",
			"msg":   "alert dedup lookup failed",
			"type":  alertType,
			"error": err.Error(),
		})
	}

	a := &Alert{
		ID:        uuid.NewString(),
		Type:      alertType,
		Severity:  sev,
		Subject:   subject,
		Details:   details,
		Status:    StatusNew,
		CreatedAt: m.now().UTC(),
		UpdatedAt: m.now().UTC(),
	}
	appendErr := m.store.Append(ctx, a)
	if appendErr != nil {
		obs.LogEvent(map[string]any{
			"ts":    m.now().UTC().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "alert append failed",
			"type":  alertType,
			"error": appendErr.Error(),
		})
	}
	obs.ObserveAlert(alertType, string(sev))

	evt := notify.NewEvent(alertType, subject, alertMessage(alertType, sev), details)
	m.dispatcher.Dispatch(ctx, evt, RecipientsFor(sev))

	if appendErr != nil {
		return a, appendErr
	}
	return a, nil
}

// Transition moves an alert through its triage lifecycle.
func (m *Manager) Transition(ctx context.Context, id string, status Status) error {
	switch status {
	case StatusNew, StatusInvestigating, StatusResolved, StatusFalsePositive:
	default:
		return ErrInvalidInput
	}
	return m.store.UpdateStatus(ctx, id, status)
}

func alertMessage(alertType string, sev Severity) string {
	return string(sev) + " severity " + alertType + " alert"
}
