package identity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	v, err := NewVerifier("test-secret", WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	token, err := v.Issue("nurse-1", "org-1", []string{"nurse", "NURSE", " senior_nurse "}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "nurse-1" || claims.OrganizationID != "org-1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if len(claims.Roles) != 2 || claims.Roles[0] != "NURSE" || claims.Roles[1] != "SENIOR_NURSE" {
		t.Fatalf("roles must be upper-cased and deduplicated, got %v", claims.Roles)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	v, err := NewVerifier("test-secret", WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := v.Issue("nurse-1", "org-1", nil, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	late, err := NewVerifier("test-secret", WithClock(func() time.Time { return now.Add(2 * time.Minute) }))
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := late.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for an expired token, got %v", err)
	}
}

func TestVerifyRejectsWrongSecretAndIssuer(t *testing.T) {
	v1, _ := NewVerifier("secret-one")
	v2, _ := NewVerifier("secret-two")
	token, err := v1.Issue("nurse-1", "org-1", nil, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := v2.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for a foreign signature, got %v", err)
	}

	other, _ := NewVerifier("secret-one", WithIssuer("someone-else"))
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for a foreign issuer, got %v", err)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier("  "); err == nil {
		t.Fatal("expected an error for a blank secret")
	}
}

func TestCallerContext(t *testing.T) {
	claims := &Claims{OrganizationID: "org-1", Roles: []string{"NURSE"}}
	claims.Subject = "nurse-1"
	ctx := WithCaller(context.Background(), claims)

	if id, ok := CallerID(ctx); !ok || id != "nurse-1" {
		t.Fatalf("unexpected caller id %q ok=%v", id, ok)
	}
	if org, ok := CallerOrg(ctx); !ok || org != "org-1" {
		t.Fatalf("unexpected caller org %q ok=%v", org, ok)
	}
	if !HasRole(ctx, "nurse") {
		t.Fatal("role check must be case-insensitive")
	}
	if HasRole(ctx, "DOCTOR") {
		t.Fatal("unexpected role")
	}
	if _, ok := CallerID(context.Background()); ok {
		t.Fatal("an empty context must carry no caller")
	}
}
