// Package pg implements the engine's store contracts over PostgreSQL via
// the pgx stdlib driver.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"caregate.org/internal/policy"
)

// Store bundles every SQL-backed store over one connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL with pool defaults tuned for a decision-path
// workload: many short point lookups, few long scans.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle (used by tests).
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for readiness pings.
func (s *Store) DB() *sql.DB { return s.db }

// Policies returns the policy store view.
func (s *Store) Policies() *PolicyStore { return &PolicyStore{db: s.db} }

// Emergency returns the emergency store view.
func (s *Store) Emergency() *EmergencyStore { return &EmergencyStore{db: s.db} }

// Audits returns the audit store view.
func (s *Store) Audits() *AuditStore { return &AuditStore{db: s.db} }

// Alerts returns the alert store view.
func (s *Store) Alerts() *AlertStore { return &AlertStore{db: s.db} }

// PolicyStore implements policy.Store. Role/resource/action sets and
// conditions are stored as jsonb; candidate filtering happens in SQL, the
// final overlap check in Go where the evaluator needs the decoded policy
// anyway.
type PolicyStore struct {
	db *sql.DB
}

var _ policy.Store = (*PolicyStore)(nil)

func (s *PolicyStore) Create(ctx context.Context, p *policy.Policy) error {
	roles, resources, actions, conditions, err := encodePolicySets(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into policies
			(id, organization_id, roles, resource_types, actions, conditions,
			 priority, active, scope, version, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, p.ID, p.OrganizationID, roles, resources, actions, conditions,
		p.Priority, p.Active, string(p.Scope), p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func (s *PolicyStore) Get(ctx context.Context, id string) (*policy.Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, organization_id, roles, resource_types, actions, conditions,
		       priority, active, scope, version, created_at, updated_at
		from policies where id=$1
	`, id)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	return p, err
}

// Update bumps the version with an optimistic check so concurrent admin
// edits cannot silently overwrite each other.
func (s *PolicyStore) Update(ctx context.Context, p *policy.Policy) error {
	roles, resources, actions, conditions, err := encodePolicySets(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update policies
		set organization_id=$2, roles=$3, resource_types=$4, actions=$5,
		    conditions=$6, priority=$7, active=$8, scope=$9,
		    version=version+1, updated_at=$10
		where id=$1 and version=$11
	`, p.ID, p.OrganizationID, roles, resources, actions, conditions,
		p.Priority, p.Active, string(p.Scope), p.UpdatedAt, p.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a lost version race.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`select exists(select 1 from policies where id=$1)`, p.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return policy.ErrNotFound
		}
		return policy.ErrConflict
	}
	p.Version++
	return nil
}

func (s *PolicyStore) FindApplicable(ctx context.Context, req policy.AccessRequest) ([]*policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, roles, resource_types, actions, conditions,
		       priority, active, scope, version, created_at, updated_at
		from policies
		where active
		  and (organization_id = '' or organization_id = $1)
		  and resource_types ? $2
		  and actions ? $3
		order by priority desc
	`, req.Context.OrganizationID, req.ResourceType, req.Action)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		if p.Matches(req) {
			out = append(out, p)
		}
	}
	return out, rows.Err()
}

func (s *PolicyStore) ListByOrg(ctx context.Context, organizationID string) ([]*policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, organization_id, roles, resource_types, actions, conditions,
		       priority, active, scope, version, created_at, updated_at
		from policies where organization_id=$1 order by id
	`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*policy.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*policy.Policy, error) {
	var (
		p          policy.Policy
		scope      string
		roles      []byte
		resources  []byte
		actions    []byte
		conditions []byte
	)
	err := row.Scan(&p.ID, &p.OrganizationID, &roles, &resources, &actions,
		&conditions, &p.Priority, &p.Active, &scope, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Scope = policy.Scope(scope)
	if err := json.Unmarshal(roles, &p.Roles); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(resources, &p.ResourceTypes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(actions, &p.Actions); err != nil {
		return nil, err
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &p.Conditions); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func encodePolicySets(p *policy.Policy) (roles, resources, actions, conditions []byte, err error) {
	if roles, err = json.Marshal(p.Roles); err != nil {
		return
	}
	if resources, err = json.Marshal(p.ResourceTypes); err != nil {
		return
	}
	if actions, err = json.Marshal(p.Actions); err != nil {
		return
	}
	conditions, err = json.Marshal(p.Conditions)
	return
}
