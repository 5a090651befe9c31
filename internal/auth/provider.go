package auth

import (
	"context"

	"github.com/masteringready/masteringready/internal/store"
)

// Identity is the unified identity representation for all auth providers.
type Identity struct {
	AccountID string // internal account id (builtin) or external subject (jwks)
	Email     string
	IsAdmin   bool
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Bootstrap(ctx context.Context) error
	Name() string
}

// LoginProvider is implemented by providers that support email/password login.
type LoginProvider interface {
	Login(ctx context.Context, email, password string) (string, error)
	Register(ctx context.Context, email, password string) (*store.Account, error)
}
