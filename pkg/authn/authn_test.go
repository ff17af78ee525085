package authn

import (
	"context"
	"testing"

	"poolvault/pkg/domain"
)

type staticTokens map[string]Identity

func (s staticTokens) IdentityByTokenHash(_ context.Context, hash string) (Identity, bool, error) {
	id, ok := s[hash]
	return id, ok, nil
}

func TestParseBearerToken(t *testing.T) {
	tok, ok := parseBearerToken("Bearer abc123")
	if !ok || tok != "abc123" {
		t.Fatalf("expected parsed bearer token, got ok=%v token=%q", ok, tok)
	}
	if _, ok := parseBearerToken("abc123"); ok {
		t.Fatal("expected parse failure without Bearer prefix")
	}
	if _, ok := parseBearerToken("Bearer   "); ok {
		t.Fatal("expected parse failure for blank token")
	}
}

func TestHashTokenDeterministic(t *testing.T) {
	a := HashToken("token-1")
	b := HashToken("token-1")
	c := HashToken("token-2")
	if a != b {
		t.Fatalf("expected deterministic hash")
	}
	if a == c {
		t.Fatalf("expected different hashes for different tokens")
	}
}

func TestAuthenticateBearer(t *testing.T) {
	src := staticTokens{
		HashToken("agent-token"): {Account: "acct_agent", Roles: []domain.Role{domain.RoleAgent}},
	}

	id, err := AuthenticateBearer(context.Background(), src, "Bearer agent-token")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if id.Account != "acct_agent" || !id.HasRole(domain.RoleAgent) {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if id.HasRole(domain.RoleAdmin) {
		t.Fatal("agent identity must not carry admin role")
	}

	if _, err := AuthenticateBearer(context.Background(), src, "Bearer wrong"); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := AuthenticateBearer(context.Background(), src, ""); err != ErrUnauthorized {
		t.Fatalf("expected ErrUnauthorized for missing header, got %v", err)
	}
}
