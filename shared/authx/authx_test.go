package authx

import (
	"context"
	"testing"
	"time"
)

func TestParseRoles(t *testing.T) {
	claims := map[string]any{
		"roles": []any{"admin", "supervisor"},
		"scp":   "read write",
	}
	roles := parseRoles(claims)
	if len(roles) < 3 {
		t.Fatalf("expected roles to include entries, got %v", roles)
	}
}

func TestNewJWTVerifierValidation(t *testing.T) {
	if _, err := NewJWTVerifier("", "aud", "", 60, 0); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
}

func TestHMACVerifierRoundTrip(t *testing.T) {
	v, err := NewHMACVerifier("secret", "", "")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	token, err := v.Sign("agent-7", time.Minute, map[string]any{"tenant_id": "t1", "agent_id": "a7", "roles": []string{"agent"}})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	auth, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if auth.TenantID != "t1" || auth.AgentID != "a7" || !auth.HasRole("agent") {
		t.Fatalf("unexpected auth context %+v", auth)
	}

	other, _ := NewHMACVerifier("other", "", "")
	if _, err := other.Verify(context.Background(), token); err == nil {
		t.Fatalf("expected signature mismatch")
	}
}

func TestHMACVerifierRejectsExpired(t *testing.T) {
	v, _ := NewHMACVerifier("secret", "", "")
	token, err := v.Sign("svc", -time.Minute, nil)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.Verify(context.Background(), token); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}
