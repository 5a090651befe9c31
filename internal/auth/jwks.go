package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSProvider validates tokens issued by a hosted identity provider using
// its published JWKS. Accounts are managed externally; the token subject
// becomes the account id.
type JWKSProvider struct {
	issuer      string
	jwks        keyfunc.Keyfunc
	adminEmails map[string]bool
}

// NewJWKSProvider creates a JWKSProvider that fetches keys from the issuer's
// well-known JWKS endpoint.
func NewJWKSProvider(issuer string, adminEmails []string) (*JWKSProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("auth issuer URL is required")
	}

	jwksURL := strings.TrimRight(issuer, "/") + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	admins := make(map[string]bool, len(adminEmails))
	for _, e := range adminEmails {
		admins[strings.ToLower(e)] = true
	}

	return &JWKSProvider{
		issuer:      issuer,
		jwks:        jwks,
		adminEmails: admins,
	}, nil
}

// ValidateToken parses an externally issued JWT and returns an Identity.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}

	email := claimStr(claims, "email")
	if email == "" {
		email = claimStr(claims, "email_address")
	}

	return &Identity{
		AccountID: sub,
		Email:     email,
		IsAdmin:   p.adminEmails[strings.ToLower(email)],
	}, nil
}

// Bootstrap is a no-op: accounts are managed by the external provider.
func (p *JWKSProvider) Bootstrap(ctx context.Context) error {
	return nil
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
