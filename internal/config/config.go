// Package config handles server configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex string
// suitable for use as a JWT secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level server configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Billing   BillingConfig   `json:"billing"`
	Analyzer  AnalyzerConfig  `json:"analyzer"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`                      // e.g. ":8080"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
	DefaultCountry string   `json:"default_country,omitempty"` // fallback when no geo header is present
}

// AuthConfig defines authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"` // "builtin" (default) or "jwks"
	Issuer       string        `json:"issuer,omitempty"`   // token issuer for the jwks provider
	JWTSecret    string        `json:"jwt_secret"`
	JWTExpiry    Duration      `json:"jwt_expiry,omitempty"`
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
	AdminEmails  []string      `json:"admin_emails,omitempty"` // accounts granted the admin flag on sign-in
}

// InitialAdmin is used to bootstrap the first admin account (builtin provider only).
type InitialAdmin struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver           string   `json:"driver"`                      // "sqlite" (default) or "postgres"
	DSN              string   `json:"dsn"`                         // e.g. "masteringready.db" or ":memory:"
	PendingRetention Duration `json:"pending_retention,omitempty"` // how long unclaimed pending results live
}

// BillingConfig defines Stripe billing settings.
type BillingConfig struct {
	StripeSecretKey      string   `json:"stripe_secret_key,omitempty"`
	StripeWebhookSecret  string   `json:"stripe_webhook_secret,omitempty"`
	StripePriceSingle    string   `json:"stripe_price_single,omitempty"`       // price ID for a single analysis
	StripePricePro       string   `json:"stripe_price_pro,omitempty"`          // price ID for the pro subscription
	StripePriceAddon     string   `json:"stripe_price_addon,omitempty"`        // price ID for an add-on pack
	CheckoutSuccessURL   string   `json:"checkout_success_url,omitempty"`
	CheckoutCancelURL    string   `json:"checkout_cancel_url,omitempty"`
	PortalAllowedOrigins []string `json:"portal_allowed_origins,omitempty"` // return-URL allow-list
	PortalDefaultOrigin  string   `json:"portal_default_origin,omitempty"`  // used when Origin is not allow-listed
}

// AnalyzerConfig points at the external audio analysis engine.
type AnalyzerConfig struct {
	URL     string   `json:"url"`                // HTTP endpoint of the analysis engine
	WSURL   string   `json:"ws_url,omitempty"`   // upstream WebSocket URL for live progress
	Timeout Duration `json:"timeout,omitempty"`  // per-call timeout; default 10s
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file. Secrets may also be supplied via
// environment variables, which take precedence over the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		c.Billing.StripeSecretKey = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		c.Billing.StripeWebhookSecret = v
	}
	if v := os.Getenv("MASTERINGREADY_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	// JWTSecret is only required for the builtin auth provider.
	if (c.Auth.Provider == "" || c.Auth.Provider == "builtin") && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.JWTSecret] {
		return fmt.Errorf("auth.jwt_secret is a well-known weak secret — generate a new one")
	}
	if c.Auth.Provider == "jwks" && c.Auth.Issuer == "" {
		return fmt.Errorf("auth.issuer is required when provider is jwks")
	}
	if c.Billing.StripeSecretKey != "" && c.Billing.StripeWebhookSecret == "" {
		return fmt.Errorf("billing.stripe_webhook_secret is required when billing is enabled")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.JWTExpiry.Duration == 0 {
		c.Auth.JWTExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "masteringready.db"
	}
	if c.Storage.PendingRetention.Duration == 0 {
		c.Storage.PendingRetention.Duration = 24 * time.Hour
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if c.Server.DefaultCountry == "" {
		c.Server.DefaultCountry = "US"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
	if c.Analyzer.Timeout.Duration == 0 {
		c.Analyzer.Timeout.Duration = 10 * time.Second
	}
	if c.Billing.PortalDefaultOrigin == "" && len(c.Billing.PortalAllowedOrigins) > 0 {
		c.Billing.PortalDefaultOrigin = c.Billing.PortalAllowedOrigins[0]
	}
}
