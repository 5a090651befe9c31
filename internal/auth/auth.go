// Package auth provides authentication and authorization for the server.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/masteringready/masteringready/internal/config"
	"github.com/masteringready/masteringready/internal/store"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountExists      = errors.New("account already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims represents the JWT token claims issued by the builtin provider.
type Claims struct {
	AccountID string `json:"uid"`
	Email     string `json:"email"`
	IsAdmin   bool   `json:"adm,omitempty"`
	jwt.RegisteredClaims
}

// Service is the builtin email/password auth provider. It signs its own
// HS256 tokens and stores bcrypt password hashes on the account row.
type Service struct {
	store        store.Store
	jwtSecret    []byte
	jwtExpiry    time.Duration
	initialAdmin *config.InitialAdmin
	adminEmails  map[string]bool
}

// NewService creates a new builtin auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	admins := make(map[string]bool, len(cfg.AdminEmails))
	for _, e := range cfg.AdminEmails {
		admins[strings.ToLower(e)] = true
	}

	return &Service{
		store:        s,
		jwtSecret:    []byte(cfg.JWTSecret),
		jwtExpiry:    cfg.JWTExpiry.Duration,
		initialAdmin: cfg.InitialAdmin,
		adminEmails:  admins,
	}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Bootstrap creates the initial admin account if configured and not present.
func (s *Service) Bootstrap(ctx context.Context) error {
	admin := s.initialAdmin
	if admin == nil {
		return nil
	}

	existing, err := s.store.GetAccountByEmail(ctx, admin.Email)
	if err != nil {
		return fmt.Errorf("check existing account: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	return s.store.EnsureAccount(ctx, &store.Account{
		ID:           uuid.New().String(),
		Email:        admin.Email,
		PasswordHash: string(hash),
		IsAdmin:      true,
		CreatedAt:    time.Now(),
	})
}

// Login authenticates an account and returns a signed JWT.
func (s *Service) Login(ctx context.Context, email, password string) (string, error) {
	acct, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("get account: %w", err)
	}
	if acct == nil || acct.PasswordHash == "" {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.generateToken(acct)
}

// Register creates a new account with a password.
func (s *Service) Register(ctx context.Context, email, password string) (*store.Account, error) {
	existing, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrAccountExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	acct := &store.Account{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		IsAdmin:      s.adminEmails[strings.ToLower(email)],
		CreatedAt:    time.Now(),
	}

	if err := s.store.EnsureAccount(ctx, acct); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}

	return acct, nil
}

// ValidateToken validates a bearer token and returns an Identity.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return &Identity{
		AccountID: claims.AccountID,
		Email:     claims.Email,
		IsAdmin:   claims.IsAdmin,
	}, nil
}

func (s *Service) generateToken(acct *store.Account) (string, error) {
	claims := &Claims{
		AccountID: acct.ID,
		Email:     acct.Email,
		IsAdmin:   acct.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
