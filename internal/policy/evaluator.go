package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
)

// ErrEvaluation indicates a malformed condition. Callers must treat it as a
// deny, never as a grant.
var ErrEvaluation = errors.New("policy: evaluation failed")

// Evaluator matches requests against policy conditions. The zero value is
// ready to use.
type Evaluator struct{}

// NewEvaluator returns an evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Match is the outcome of evaluating an ordered candidate set.
type Match struct {
	Policy  *Policy
	Granted bool
	Reason  string
	// ViolatedPolicyID names the highest-priority applicable policy whose
	// conditions rejected the request, when the overall outcome is a deny.
	// Audit records carry it so denied attempts can be clustered per policy.
	ViolatedPolicyID string
}

// EvaluateAll tries candidates in the given order (priority descending, as
// returned by Store.FindApplicable) and returns the first policy whose
// conditions all pass. A nil Policy means nothing matched.
//
// A malformed condition fails that policy closed and moves on; the error is
// reported alongside the result so the caller can surface it.
func (e *Evaluator) EvaluateAll(candidates []*Policy, req AccessRequest) (Match, error) {
	var errs []error
	for _, p := range candidates {
		ok, err := e.Evaluate(p, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", p.ID, err))
			continue
		}
		if ok {
			return Match{Policy: p, Granted: true}, errors.Join(errs...)
		}
	}
	match := Match{Granted: false, Reason: ReasonNoMatch}
	if len(candidates) > 0 {
		match.ViolatedPolicyID = candidates[0].ID
	}
	return match, errors.Join(errs...)
}

// Evaluate reports whether every condition of the policy passes for the
// request. A policy with no conditions is an unconditional match.
func (e *Evaluator) Evaluate(p *Policy, req AccessRequest) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("%w: nil policy", ErrEvaluation)
	}
	for _, cond := range p.Conditions {
		ok, err := evalCondition(cond, req)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalCondition(cond Condition, req AccessRequest) (bool, error) {
	if cond.Operator == OpExpr {
		return evalExpr(cond.Value, req)
	}

	value, ok := resolveField(cond.Source, cond.Field, req)
	if !ok {
		// Unresolved context is a non-match, not an error.
		return false, nil
	}

	switch cond.Operator {
	case OpEquals:
		return value == cond.Value, nil
	case OpContains:
		return strings.Contains(value, cond.Value), nil
	case OpStartsWith:
		return strings.HasPrefix(value, cond.Value), nil
	case OpEndsWith:
		return strings.HasSuffix(value, cond.Value), nil
	case OpRegex:
		re, err := regexp.Compile(cond.Value)
		if err != nil {
			return false, fmt.Errorf("%w: bad regex %q: %v", ErrEvaluation, cond.Value, err)
		}
		return re.MatchString(value), nil
	default:
		// Unknown operators evaluate to false.
		return false, nil
	}
}

// evalExpr runs an expression condition against the request environment.
// The expression must yield a boolean; anything else fails closed.
func evalExpr(src string, req AccessRequest) (bool, error) {
	env := exprEnv(req)
	program, err := expr.Compile(src, expr.Env(env), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("%w: compile expression: %v", ErrEvaluation, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("%w: run expression: %v", ErrEvaluation, err)
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression did not return a boolean", ErrEvaluation)
	}
	return result, nil
}

func exprEnv(req AccessRequest) map[string]any {
	return map[string]any{
		"user": map[string]any{
			"id":    req.UserID,
			"roles": req.UserRoles,
		},
		"resource": map[string]any{
			"type": req.ResourceType,
			"id":   req.ResourceID,
		},
		"environment": map[string]any{
			"organization_id": req.Context.OrganizationID,
			"care_home_id":    req.Context.CareHomeID,
			"region":          req.Context.Region,
			"country":         req.Context.Country,
			"hour":            req.Context.Timestamp.Hour(),
			"emergency":       req.Context.Emergency,
		},
	}
}

func resolveField(source ConditionSource, field string, req AccessRequest) (string, bool) {
	switch source {
	case SourceUser:
		switch field {
		case "id":
			return req.UserID, true
		case "roles":
			return strings.Join(req.UserRoles, ","), true
		}
	case SourceResource:
		switch field {
		case "type":
			return req.ResourceType, true
		case "id":
			return req.ResourceID, true
		}
	case SourceEnvironment:
		switch field {
		case "organization_id":
			return req.Context.OrganizationID, true
		case "care_home_id":
			return req.Context.CareHomeID, true
		case "region":
			return req.Context.Region, true
		case "country":
			return req.Context.Country, true
		}
	}
	return "", false
}
