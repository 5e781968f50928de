package audit

import (
	"context"
	"errors"
	"time"

	"caregate.org/internal/obs"
)

var ErrInvalidInput = errors.New("audit: invalid input")

// Decision values recorded on audit entries.
const (
	DecisionGranted = "GRANTED"
	DecisionDenied  = "DENIED"
	DecisionError   = "ERROR"
)

// Record is one append-only audit entry. Records are never updated or
// deleted; retention is enforced by the surrounding application per tenant
// configuration.
type Record struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	ResourceType   string    `json:"resource_type"`
	ResourceID     string    `json:"resource_id"`
	Action         string    `json:"action"`
	Decision       string    `json:"decision"`
	PolicyID       string    `json:"policy_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Country        string    `json:"country,omitempty"`
	Emergency      bool      `json:"emergency,omitempty"`
}

// Sink appends immutable audit entries.
type Sink interface {
	Append(ctx context.Context, rec *Record) error
}

// Reader serves the anomaly monitor's sliding-window scans.
type Reader interface {
	// ListSince returns records with Timestamp >= since, oldest first.
	ListSince(ctx context.Context, since time.Time) ([]*Record, error)
}

// Store combines the write and scan sides of the audit log.
type Store interface {
	Sink
	Reader
}

// LogSink writes every record as a structured JSON log line. It is the
// fallback sink when no durable store is configured, and can shadow a
// durable sink for operator visibility.
type LogSink struct{}

// NewLogSink returns a log-backed sink.
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Append emits the record to the shared logger. It never fails.
func (s *LogSink) Append(_ context.Context, rec *Record) error {
	if rec == nil {
		return ErrInvalidInput
	}
	obs.LogEvent(map[string]any{
		"ts":            rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"type":          "audit",
		"audit_id":      rec.ID,
		"user_id":       rec.UserID,
		"org_id":        rec.OrganizationID,
		"resource_type": rec.ResourceType,
		"resource_id":   rec.ResourceID,
		"action":        rec.Action,
		"decision":      rec.Decision,
		"policy_id":     rec.PolicyID,
		"reason":        rec.Reason,
		"emergency":     rec.Emergency,
	})
	return nil
}
