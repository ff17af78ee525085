// Package authn resolves bearer tokens to vault accounts. Tokens are opaque;
// only their sha-256 hash is ever stored or compared.
package authn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"poolvault/pkg/domain"
)

var ErrUnauthorized = errors.New("unauthorized")

// Identity is the authenticated caller of a vault endpoint.
type Identity struct {
	Account domain.Account
	Roles   []domain.Role
}

func (id Identity) HasRole(role domain.Role) bool {
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// TokenSource looks up an identity by token hash. Both the in-memory and the
// postgres store implement it.
type TokenSource interface {
	IdentityByTokenHash(ctx context.Context, tokenHash string) (Identity, bool, error)
}

// AuthenticateBearer resolves the Authorization header to an identity.
func AuthenticateBearer(ctx context.Context, src TokenSource, authorization string) (Identity, error) {
	token, ok := parseBearerToken(authorization)
	if !ok {
		return Identity{}, ErrUnauthorized
	}
	id, found, err := src.IdentityByTokenHash(ctx, HashToken(token))
	if err != nil {
		return Identity{}, err
	}
	if !found {
		return Identity{}, ErrUnauthorized
	}
	return id, nil
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func parseBearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
