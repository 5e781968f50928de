package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"caregate.org/internal/emergency"
)

// EmergencyStore implements emergency.Store. Vote recording goes through
// row-locked transactions so concurrent approvals serialize on the workflow
// row instead of racing.
type EmergencyStore struct {
	db *sql.DB
}

var _ emergency.Store = (*EmergencyStore)(nil)

// NewEmergencyStore wraps an existing database handle (used by tests).
func NewEmergencyStore(db *sql.DB) *EmergencyStore { return &EmergencyStore{db: db} }

// CreateRequest inserts the grant and its workflow in one transaction so a
// request can never exist half-created.
func (s *EmergencyStore) CreateRequest(ctx context.Context, access *emergency.Access, wf *emergency.Workflow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		insert into emergency_access
			(id, user_id, organization_id, resource_type, resource_id, reason,
			 start_time, end_time, active, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, access.ID, access.UserID, access.OrganizationID, access.ResourceType,
		access.ResourceID, access.Reason, access.StartTime, nullTime(access.EndTime),
		access.Active, access.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg: insert emergency access: %w", err)
	}

	votes, err := json.Marshal(wf.Approvers)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		insert into emergency_workflows
			(id, access_id, organization_id, required_approvals, approvers,
			 status, expires_at, risk_level, post_access_review,
			 review_completed, review_notes, version, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, wf.ID, wf.EmergencyAccessID, wf.OrganizationID, wf.RequiredApprovals, votes,
		string(wf.Status), wf.ExpiresAt, string(wf.RiskLevel), wf.PostAccessReview,
		wf.ReviewCompleted, wf.ReviewNotes, wf.Version, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("pg: insert emergency workflow: %w", err)
	}
	return tx.Commit()
}

func (s *EmergencyStore) GetAccess(ctx context.Context, id string) (*emergency.Access, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, user_id, organization_id, resource_type, resource_id, reason,
		       start_time, end_time, active, created_at
		from emergency_access where id=$1
	`, id)
	a, err := scanAccess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, emergency.ErrNotFound
	}
	return a, err
}

func (s *EmergencyStore) FindCurrent(ctx context.Context, userID, resourceType, resourceID string) (*emergency.Access, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, user_id, organization_id, resource_type, resource_id, reason,
		       start_time, end_time, active, created_at
		from emergency_access
		where user_id=$1 and resource_type=$2 and resource_id=$3 and active
		order by created_at desc
		limit 1
	`, userID, resourceType, resourceID)
	a, err := scanAccess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, emergency.ErrNotFound
	}
	return a, err
}

// Deactivate is idempotent: an already-inactive grant is left untouched.
func (s *EmergencyStore) Deactivate(ctx context.Context, id string, endTime time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update emergency_access set active=false, end_time=$2
		where id=$1 and active
	`, id, endTime)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`select exists(select 1 from emergency_access where id=$1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return emergency.ErrNotFound
		}
	}
	return nil
}

func (s *EmergencyStore) CountRequestsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from emergency_access
		where user_id=$1 and created_at >= $2
	`, userID, since).Scan(&n)
	return n, err
}

func (s *EmergencyStore) GetWorkflow(ctx context.Context, id string) (*emergency.Workflow, error) {
	row := s.db.QueryRowContext(ctx, workflowSelect+` where id=$1`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, emergency.ErrNotFound
	}
	return wf, err
}

func (s *EmergencyStore) GetWorkflowByAccess(ctx context.Context, accessID string) (*emergency.Workflow, error) {
	row := s.db.QueryRowContext(ctx, workflowSelect+` where access_id=$1`, accessID)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, emergency.ErrNotFound
	}
	return wf, err
}

// Update writes the workflow back under a row lock with a version check.
func (s *EmergencyStore) Update(ctx context.Context, wf *emergency.Workflow, expectedVersion int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.updateTx(ctx, tx, wf, expectedVersion); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	wf.Version = expectedVersion + 1
	return nil
}

// ApproveAndActivate records the final approval and flips the grant active
// in the same transaction, so the decision path can never observe an
// approved workflow whose grant is still dormant.
func (s *EmergencyStore) ApproveAndActivate(ctx context.Context, wf *emergency.Workflow, expectedVersion int, endTime time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.updateTx(ctx, tx, wf, expectedVersion); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		update emergency_access set active=true, end_time=$2
		where id=$1
	`, wf.EmergencyAccessID, endTime)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return emergency.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	wf.Version = expectedVersion + 1
	return nil
}

// updateTx locks the workflow row, verifies the expected version and writes
// the new state with version+1.
func (s *EmergencyStore) updateTx(ctx context.Context, tx *sql.Tx, wf *emergency.Workflow, expectedVersion int) error {
	var current int
	err := tx.QueryRowContext(ctx,
		`select version from emergency_workflows where id=$1 for update`, wf.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return emergency.ErrNotFound
	}
	if err != nil {
		return err
	}
	if current != expectedVersion {
		return emergency.ErrVersionConflict
	}

	votes, err := json.Marshal(wf.Approvers)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		update emergency_workflows
		set approvers=$2, status=$3, review_completed=$4, review_notes=$5,
		    version=$6, updated_at=$7
		where id=$1
	`, wf.ID, votes, string(wf.Status), wf.ReviewCompleted, wf.ReviewNotes,
		expectedVersion+1, wf.UpdatedAt)
	return err
}

const workflowSelect = `
	select id, access_id, organization_id, required_approvals, approvers,
	       status, expires_at, risk_level, post_access_review,
	       review_completed, review_notes, version, created_at, updated_at
	from emergency_workflows`

func scanWorkflow(row rowScanner) (*emergency.Workflow, error) {
	var (
		wf     emergency.Workflow
		status string
		risk   string
		votes  []byte
	)
	err := row.Scan(&wf.ID, &wf.EmergencyAccessID, &wf.OrganizationID,
		&wf.RequiredApprovals, &votes, &status, &wf.ExpiresAt, &risk,
		&wf.PostAccessReview, &wf.ReviewCompleted, &wf.ReviewNotes,
		&wf.Version, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.Status = emergency.WorkflowStatus(status)
	wf.RiskLevel = emergency.RiskLevel(risk)
	if len(votes) > 0 {
		if err := json.Unmarshal(votes, &wf.Approvers); err != nil {
			return nil, err
		}
	}
	return &wf, nil
}

func scanAccess(row rowScanner) (*emergency.Access, error) {
	var (
		a   emergency.Access
		end sql.NullTime
	)
	err := row.Scan(&a.ID, &a.UserID, &a.OrganizationID, &a.ResourceType,
		&a.ResourceID, &a.Reason, &a.StartTime, &end, &a.Active, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if end.Valid {
		a.EndTime = end.Time
	}
	return &a, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
