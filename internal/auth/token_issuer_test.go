package auth

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "compendium-auth",
		Audience:      "compendium-api",
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueSessionTokenRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })

	token, expiresIn, err := issuer.IssueSessionToken(context.Background(), "user-1", []string{"edit", "admin", "edit"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry: %d", expiresIn)
	}

	subject, capabilities, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if subject != "user-1" {
		t.Fatalf("expected subject user-1, got %s", subject)
	}
	if !reflect.DeepEqual(capabilities, []string{"admin", "edit"}) {
		t.Fatalf("capability hint not normalized: %v", capabilities)
	}
}

func TestIssueSessionTokenOmitsEmptyCapabilities(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })

	token, _, err := issuer.IssueSessionToken(context.Background(), "user-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, capabilities, err := issuer.ValidateToken(token)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if capabilities != nil {
		t.Fatalf("expected no capability hint, got %v", capabilities)
	}
}

func TestIssueSessionTokenRequiresSubject(t *testing.T) {
	issuer := newTestIssuer(nil)
	if _, _, err := issuer.IssueSessionToken(context.Background(), "", nil); err == nil {
		t.Fatalf("expected error for empty subject")
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	issueTime := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return issueTime })

	token, _, err := issuer.IssueSessionToken(context.Background(), "user-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lateIssuer := newTestIssuer(func() time.Time { return issueTime.Add(2 * time.Hour) })
	if _, _, err := lateIssuer.ValidateToken(token); err == nil {
		t.Fatalf("expected expired token to fail validation")
	}
}

func TestValidateTokenRejectsWrongAudience(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	issuer := newTestIssuer(func() time.Time { return now })
	token, _, err := issuer.IssueSessionToken(context.Background(), "user-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	other := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "compendium-auth",
		Audience:      "some-other-api",
		Clock:         func() time.Time { return now },
	})
	if _, _, err := other.ValidateToken(token); err == nil {
		t.Fatalf("expected audience mismatch to fail validation")
	}
}
