// Package identity implements a JWT-backed ports.IdentityProvider, adapted
// from the teacher's core/pkg/identity.TokenManager (IdentityClaims shape,
// GenerateToken/ValidateToken split) but signing with HS256 over a shared
// secret instead of the teacher's RSA KeySet, since forge has no
// certificate-authority component in scope.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mindburn-labs/forge/pkg/errs"
	"github.com/mindburn-labs/forge/pkg/forgeid"
	"github.com/mindburn-labs/forge/pkg/ports"
)

// Claims extends the registered JWT claims with the fields forge's access
// control evaluation needs on a resolved principal.
type Claims struct {
	jwt.RegisteredClaims
	Roles    []string `json:"roles,omitempty"`
	TenantID string   `json:"tenant_id,omitempty"`
}

// Provider issues and validates HS256 JWTs and satisfies ports.IdentityProvider.
type Provider struct {
	secret []byte
	issuer string
}

// New constructs a Provider. secret must be non-empty.
func New(secret []byte, issuer string) (*Provider, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("identity: secret must not be empty")
	}
	if issuer == "" {
		issuer = "forge.internal"
	}
	return &Provider{secret: secret, issuer: issuer}, nil
}

// Issue signs a token for the given principal, valid for ttl.
func (p *Provider) Issue(principal ports.Principal, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.ID,
			ID:        principal.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{"forge"},
		},
		Roles:    principal.Roles,
		TenantID: string(principal.TenantID),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secret)
}

// Resolve parses and validates token, returning the resolved principal.
func (p *Provider) Resolve(ctx context.Context, token string) (*ports.Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("identity: unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithIssuer(p.issuer), jwt.WithAudience("forge"))
	if err != nil {
		return nil, errs.Wrap(errs.AccessDenied, "identity: validate token", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errs.New(errs.AccessDenied, "identity: invalid token")
	}
	return &ports.Principal{
		ID:       claims.Subject,
		Roles:    claims.Roles,
		TenantID: forgeid.TenantID(claims.TenantID),
	}, nil
}
