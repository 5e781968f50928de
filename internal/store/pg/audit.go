package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"caregate.org/internal/alert"
	"caregate.org/internal/audit"
)

// AuditStore implements audit.Store over an append-only table.
type AuditStore struct {
	db *sql.DB
}

var (
	_ audit.Store  = (*AuditStore)(nil)
	_ audit.Reader = (*AuditStore)(nil)
)

// NewAuditStore wraps an existing database handle (used by tests).
func NewAuditStore(db *sql.DB) *AuditStore { return &AuditStore{db: db} }

func (s *AuditStore) Append(ctx context.Context, rec *audit.Record) error {
	if rec == nil {
		return audit.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, `
		insert into access_audits
			(id, ts, user_id, organization_id, resource_type, resource_id,
			 action, decision, policy_id, reason, country, emergency)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, rec.ID, rec.Timestamp, rec.UserID, rec.OrganizationID, rec.ResourceType,
		rec.ResourceID, rec.Action, rec.Decision, rec.PolicyID, rec.Reason,
		rec.Country, rec.Emergency)
	return err
}

func (s *AuditStore) ListSince(ctx context.Context, since time.Time) ([]*audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, ts, user_id, organization_id, resource_type, resource_id,
		       action, decision, policy_id, reason, country, emergency
		from access_audits
		where ts >= $1
		order by ts
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*audit.Record
	for rows.Next() {
		var rec audit.Record
		err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.UserID, &rec.OrganizationID,
			&rec.ResourceType, &rec.ResourceID, &rec.Action, &rec.Decision,
			&rec.PolicyID, &rec.Reason, &rec.Country, &rec.Emergency)
		if err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// AlertStore implements alert.Store.
type AlertStore struct {
	db *sql.DB
}

var _ alert.Store = (*AlertStore)(nil)

// NewAlertStore wraps an existing database handle (used by tests).
func NewAlertStore(db *sql.DB) *AlertStore { return &AlertStore{db: db} }

func (s *AlertStore) Append(ctx context.Context, a *alert.Alert) error {
	if a == nil {
		return alert.ErrInvalidInput
	}
	details, err := json.Marshal(a.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into monitoring_alerts
			(id, type, severity, subject, details, status, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, a.ID, a.Type, string(a.Severity), a.Subject, details, string(a.Status),
		a.CreatedAt, a.UpdatedAt)
	return err
}

func (s *AlertStore) FindOpen(ctx context.Context, alertType, subject string) (*alert.Alert, error) {
	row := s.db.QueryRowContext(ctx, alertSelect+`
		where type=$1 and subject=$2 and status in ('NEW','INVESTIGATING')
		order by created_at
		limit 1
	`, alertType, subject)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, alert.ErrNotFound
	}
	return a, err
}

func (s *AlertStore) UpdateStatus(ctx context.Context, id string, status alert.Status) error {
	res, err := s.db.ExecContext(ctx, `
		update monitoring_alerts set status=$2, updated_at=now()
		where id=$1
	`, id, string(status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return alert.ErrNotFound
	}
	return nil
}

func (s *AlertStore) ListOpen(ctx context.Context) ([]*alert.Alert, error) {
	rows, err := s.db.QueryContext(ctx, alertSelect+`
		where status in ('NEW','INVESTIGATING')
		order by created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const alertSelect = `
	select id, type, severity, subject, details, status, created_at, updated_at
	from monitoring_alerts`

func scanAlert(row rowScanner) (*alert.Alert, error) {
	var (
		a        alert.Alert
		severity string
		status   string
		details  []byte
	)
	err := row.Scan(&a.ID, &a.Type, &severity, &a.Subject, &details, &status,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Severity = alert.Severity(severity)
	a.Status = alert.Status(status)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &a.Details); err != nil {
			return nil, err
		}
	}
	return &a, nil
}
