package token_test

import (
	"strings"
	"testing"
	"time"

	"runline/internal/token"
)

func newIssuer(now time.Time) token.Issuer {
	return token.Issuer{
		Secret: []byte("test-secret"),
		TTL:    72 * time.Hour,
		Now:    func() time.Time { return now },
	}
}

func TestIssueAndVerify(t *testing.T) {
	iss := newIssuer(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	raw, err := iss.Issue("evt-1", token.ActionApprove)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	eventID, err := iss.Verify(raw, token.ActionApprove)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if eventID != "evt-1" {
		t.Fatalf("expected evt-1, got %s", eventID)
	}
}

func TestVerifyExpired(t *testing.T) {
	issued := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	iss := newIssuer(issued)
	raw, err := iss.Issue("evt-1", token.ActionApprove)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	late := iss
	late.Now = func() time.Time { return issued.Add(73 * time.Hour) }
	if _, err := late.Verify(raw, token.ActionApprove); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestVerifyWrongAction(t *testing.T) {
	iss := newIssuer(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	raw, err := iss.Issue("evt-1", "delete")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := iss.Verify(raw, token.ActionApprove); err == nil {
		t.Fatal("expected action mismatch to fail")
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	iss := newIssuer(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	raw, err := iss.Issue("evt-1", token.ActionApprove)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	other := iss
	other.Secret = []byte("other-secret")
	if _, err := other.Verify(raw, token.ActionApprove); err == nil {
		t.Fatal("expected wrong secret to fail")
	}
}

func TestVerifyTampered(t *testing.T) {
	iss := newIssuer(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	raw, err := iss.Issue("evt-1", token.ActionApprove)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %s", raw)
	}
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := iss.Verify(tampered, token.ActionApprove); err == nil {
		t.Fatal("expected tampered token to fail")
	}
}

func TestIssueWithoutSecret(t *testing.T) {
	iss := token.Issuer{TTL: time.Hour}
	if _, err := iss.Issue("evt-1", token.ActionApprove); err == nil {
		t.Fatal("expected missing secret to fail")
	}
}
