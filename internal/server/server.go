// Package server is the main orchestrator that ties all components together.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/masteringready/masteringready/internal/analysis"
	"github.com/masteringready/masteringready/internal/api"
	"github.com/masteringready/masteringready/internal/auth"
	"github.com/masteringready/masteringready/internal/billing"
	"github.com/masteringready/masteringready/internal/config"
	"github.com/masteringready/masteringready/internal/store"
)

// Server is the main server process.
type Server struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin account for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	ledger := billing.NewLedger(db, logger)
	reconciler := billing.NewReconciler(db, logger)

	var stripeClient billing.StripeClient
	if cfg.Billing.StripeSecretKey != "" {
		stripeClient = billing.NewAPIClient(cfg.Billing.StripeSecretKey)
	}
	checkout := billing.NewCheckoutService(stripeClient, db, cfg.Billing, cfg.Server.DefaultCountry, logger)

	analyzer := analysis.NewClient(cfg.Analyzer, logger)

	apiSrv := api.NewServer(db, authProvider, loginProvider, ledger, reconciler, checkout, analyzer, cfg, logger)

	srv := &Server{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		api:          apiSrv,
		logger:       logger.With("component", "server"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters — use a stronger secret in production")
		}
	}
	if cfg.Billing.StripeSecretKey == "" {
		logger.Warn("Stripe is not configured — checkout and webhooks are disabled")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return srv, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.api.Handler(),
	}

	// Start rate limiter cleanup tasks.
	s.api.StartBackgroundTasks(ctx)

	// Unclaimed pending results expire; purge them on a timer.
	if s.cfg.Storage.PendingRetention.Duration > 0 {
		go s.runPendingPurger(ctx, s.cfg.Storage.PendingRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.Server.Addr)
		if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		} else {
			s.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			s.logger.Info("http server stopped gracefully")
		}

		s.logger.Info("closing store")
		_ = s.store.Close()
		s.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = s.store.Close()
		return err
	}
}

func (s *Server) runPendingPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(15 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := s.store.PurgeExpiredPendingResults(ctx, cutoff); err != nil {
				s.logger.Warn("pending result purge failed", "error", err)
			} else if n > 0 {
				s.logger.Info("purged expired pending results", "count", n)
			}
		}
	}
}
