package policy

import "time"

// Scope describes where a policy applies within the tenant hierarchy.
type Scope string

const (
	ScopeOrganization Scope = "ORGANIZATION"
	ScopeCareHome     Scope = "CARE_HOME"
	ScopeRegion       Scope = "REGION"
)

// ConditionSource selects which part of the request a condition reads.
type ConditionSource string

const (
	SourceUser        ConditionSource = "user"
	SourceResource    ConditionSource = "resource"
	SourceEnvironment ConditionSource = "environment"
)

// Condition compares one resolved request value against an expected value.
//
// Operator "expr" treats Value as an expression evaluated against the full
// request environment; all other operators are plain string comparisons.
type Condition struct {
	Source   ConditionSource `json:"source"`
	Field    string          `json:"field"`
	Operator string          `json:"operator"`
	Value    string          `json:"value"`
}

const (
	OpEquals     = "equals"
	OpContains   = "contains"
	OpStartsWith = "startsWith"
	OpEndsWith   = "endsWith"
	OpRegex      = "regex"
	OpExpr       = "expr"
)

// Policy is a versioned, declarative access rule. A policy is immutable once
// evaluated for a request; updates create a new version and invalidate the
// decision cache.
type Policy struct {
	ID             string      `json:"id"`
	OrganizationID string      `json:"organization_id,omitempty"` // empty = global
	Roles          []string    `json:"roles"`
	ResourceTypes  []string    `json:"resource_types"`
	Actions        []string    `json:"actions"`
	Conditions     []Condition `json:"conditions,omitempty"`
	Priority       int         `json:"priority"`
	Active         bool        `json:"active"`
	Scope          Scope       `json:"scope"`
	Version        int         `json:"version"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// RequestContext carries the ambient facts of an access attempt.
type RequestContext struct {
	OrganizationID string    `json:"organization_id"`
	CareHomeID     string    `json:"care_home_id,omitempty"`
	Region         string    `json:"region,omitempty"`
	Country        string    `json:"country,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Emergency      bool      `json:"emergency,omitempty"`
}

// AccessRequest is constructed per call and never persisted directly; only
// the audit record derived from it is.
type AccessRequest struct {
	UserID       string
	UserRoles    []string
	ResourceType string
	ResourceID   string
	Action       string
	Context      RequestContext
}

// AccessDecision is produced exactly once per request.
type AccessDecision struct {
	Granted   bool       `json:"granted"`
	PolicyID  string     `json:"policy_id,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	AuditID   string     `json:"audit_id,omitempty"`
}

// ReasonNoMatch is the deny reason when no policy matched the request.
const ReasonNoMatch = "No matching policy found"

// Matches reports whether the policy's role/resource/action sets overlap the
// request and the organization scope applies (exact match or global).
func (p Policy) Matches(req AccessRequest) bool {
	if !p.Active {
		return false
	}
	if p.OrganizationID != "" && p.OrganizationID != req.Context.OrganizationID {
		return false
	}
	if !overlaps(p.Roles, req.UserRoles) {
		return false
	}
	if !containsString(p.ResourceTypes, req.ResourceType) {
		return false
	}
	return containsString(p.Actions, req.Action)
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
