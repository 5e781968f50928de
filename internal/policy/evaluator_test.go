package policy

import (
	"errors"
	"testing"
	"time"
)

func nurseRequest() AccessRequest {
	return AccessRequest{
		UserID:       "nurse-1",
		UserRoles:    []string{"NURSE"},
		ResourceType: "MEDICAL_RECORD",
		ResourceID:   "rec-42",
		Action:       "VIEW",
		Context: RequestContext{
			OrganizationID: "org-1",
			CareHomeID:     "home-7",
			Country:        "GB",
			Timestamp:      time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		},
	}
}

func TestEvaluateAllFirstMatchWins(t *testing.T) {
	e := NewEvaluator()
	low := &Policy{ID: "p-low", Roles: []string{"NURSE"}, ResourceTypes: []string{"MEDICAL_RECORD"}, Actions: []string{"VIEW"}, Priority: 5, Active: true}
	high := &Policy{ID: "p-high", Roles: []string{"NURSE"}, ResourceTypes: []string{"MEDICAL_RECORD"}, Actions: []string{"VIEW"}, Priority: 10, Active: true}

	match, err := e.EvaluateAll([]*Policy{high, low}, nurseRequest())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !match.Granted {
		t.Fatal("expected a grant")
	}
	if match.Policy.ID != "p-high" {
		t.Fatalf("expected the higher-priority policy to win, got %s", match.Policy.ID)
	}
}

func TestEvaluateAllNoMatch(t *testing.T) {
	e := NewEvaluator()
	match, err := e.EvaluateAll(nil, nurseRequest())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if match.Granted {
		t.Fatal("expected a deny with no candidates")
	}
	if match.Reason != ReasonNoMatch {
		t.Fatalf("unexpected reason %q", match.Reason)
	}
}

func TestEvaluateAllRecordsViolatedPolicy(t *testing.T) {
	e := NewEvaluator()
	guarded := &Policy{
		ID: "p-guarded", Roles: []string{"NURSE"}, ResourceTypes: []string{"MEDICAL_RECORD"},
		Actions: []string{"VIEW"}, Priority: 10, Active: true,
		Conditions: []Condition{{Source: SourceEnvironment, Field: "care_home_id", Operator: OpEquals, Value: "home-99"}},
	}
	match, err := e.EvaluateAll([]*Policy{guarded}, nurseRequest())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if match.Granted {
		t.Fatal("expected the condition to reject the request")
	}
	if match.ViolatedPolicyID != "p-guarded" {
		t.Fatalf("expected violated policy p-guarded, got %q", match.ViolatedPolicyID)
	}
}

func TestEvaluateConditionOperators(t *testing.T) {
	e := NewEvaluator()
	req := nurseRequest()
	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"equals", Condition{Source: SourceEnvironment, Field: "country", Operator: OpEquals, Value: "GB"}, true},
		{"equals miss", Condition{Source: SourceEnvironment, Field: "country", Operator: OpEquals, Value: "DE"}, false},
		{"contains", Condition{Source: SourceUser, Field: "roles", Operator: OpContains, Value: "NURSE"}, true},
		{"startsWith", Condition{Source: SourceResource, Field: "id", Operator: OpStartsWith, Value: "rec-"}, true},
		{"endsWith", Condition{Source: SourceResource, Field: "id", Operator: OpEndsWith, Value: "-42"}, true},
		{"regex", Condition{Source: SourceResource, Field: "type", Operator: OpRegex, Value: "^MEDICAL_"}, true},
		{"unknown operator fails closed", Condition{Source: SourceUser, Field: "id", Operator: "isTruthy", Value: "x"}, false},
		{"unresolved field fails closed", Condition{Source: SourceUser, Field: "badge", Operator: OpEquals, Value: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &Policy{ID: "p", Roles: []string{"NURSE"}, ResourceTypes: []string{"MEDICAL_RECORD"},
				Actions: []string{"VIEW"}, Active: true, Conditions: []Condition{tc.cond}}
			ok, err := e.Evaluate(p, req)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if ok != tc.want {
				t.Fatalf("got %v, want %v", ok, tc.want)
			}
		})
	}
}

func TestEvaluateExprCondition(t *testing.T) {
	e := NewEvaluator()
	p := &Policy{
		ID: "p-expr", Roles: []string{"NURSE"}, ResourceTypes: []string{"MEDICAL_RECORD"},
		Actions: []string{"VIEW"}, Active: true,
		Conditions: []Condition{{Operator: OpExpr, Value: `environment.hour >= 8 && environment.hour < 20 && "NURSE" in user.roles`}},
	}
	ok, err := e.Evaluate(p, nurseRequest())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ok {
		t.Fatal("expected the expression to pass at 14:00")
	}

	night := nurseRequest()
	night.Context.Timestamp = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	ok, err = e.Evaluate(p, night)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ok {
		t.Fatal("expected the expression to reject a 03:00 access")
	}
}

func TestEvaluateBadRegexFailsClosed(t *testing.T) {
	e := NewEvaluator()
	broken := &Policy{
		ID: "p-broken", Roles: []string{"NURSE"}, ResourceTypes: []string{"MEDICAL_RECORD"},
		Actions: []string{"VIEW"}, Priority: 10, Active: true,
		Conditions: []Condition{{Source: SourceResource, Field: "id", Operator: OpRegex, Value: "("}},
	}
	fallback := &Policy{ID: "p-ok", Roles: []string{"NURSE"}, ResourceTypes: []string{"MEDICAL_RECORD"}, Actions: []string{"VIEW"}, Priority: 5, Active: true}

	match, err := e.EvaluateAll([]*Policy{broken, fallback}, nurseRequest())
	if !errors.Is(err, ErrEvaluation) {
		t.Fatalf("expected ErrEvaluation alongside the result, got %v", err)
	}
	if !match.Granted || match.Policy.ID != "p-ok" {
		t.Fatalf("expected the broken policy to fail closed and the next to grant, got %+v", match)
	}
}

func TestMatchesScoping(t *testing.T) {
	req := nurseRequest()
	global := Policy{Roles: []string{"NURSE"}, ResourceTypes: []string{"MEDICAL_RECORD"}, Actions: []string{"VIEW"}, Active: true}
	if !global.Matches(req) {
		t.Fatal("global policy should apply to any organization")
	}
	other := global
	other.OrganizationID = "org-2"
	if other.Matches(req) {
		t.Fatal("policy scoped to another organization must not apply")
	}
	inactive := global
	inactive.Active = false
	if inactive.Matches(req) {
		t.Fatal("inactive policy must not apply")
	}
}
