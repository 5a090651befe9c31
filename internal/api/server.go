// Package api provides the HTTP API and middleware for the server.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
	"github.com/masteringready/masteringready/internal/analysis"
	"github.com/masteringready/masteringready/internal/auth"
	"github.com/masteringready/masteringready/internal/billing"
	"github.com/masteringready/masteringready/internal/config"
	"github.com/masteringready/masteringready/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	ledger        *billing.Ledger
	reconciler    *billing.Reconciler
	checkout      *billing.CheckoutService
	analyzer      *analysis.Client
	logger        *slog.Logger
	mux           *chi.Mux
	webhookSecret string
	maxBodyBytes  int64
	startTime     time.Time
	loginRL       *rateLimiter
	rl            *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, ledger *billing.Ledger, rec *billing.Reconciler, co *billing.CheckoutService, an *analysis.Client, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		ledger:        ledger,
		reconciler:    rec,
		checkout:      co,
		analyzer:      an,
		logger:        logger.With("component", "api"),
		webhookSecret: cfg.Billing.StripeWebhookSecret,
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		startTime:     time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login and register routes only registered when using builtin auth.
	if lp != nil {
		srv.loginRL = newRateLimiter(5, 10)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/login", srv.handleLogin)
		mux.With(ipRateLimitMiddleware(srv.loginRL)).Post("/api/auth/register", srv.handleRegister)
	}

	// Stripe webhook (authenticated by signature, not bearer token).
	mux.Post("/api/webhooks/stripe", srv.handleStripeWebhook)

	// Public lead capture.
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.With(ipRateLimitMiddleware(srv.rl)).Post("/api/leads", srv.handleCreateLead)

	// Analysis upload works signed-out: the result is parked as a pending
	// result and only saved once an account pays for it.
	mux.With(ipRateLimitMiddleware(srv.rl)).Post("/api/analyze", srv.handleAnalyze)

	// Live analysis progress proxy (auth via ?token= query param).
	if an != nil && an.WSURL() != "" {
		mux.Get("/ws/analysis", srv.handleAnalysisProxy)
	}

	// Authenticated API routes
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/quota", srv.handleGetQuota)
		r.Post("/api/usage", srv.handleRecordUsage)
		r.Get("/api/analyses", srv.handleListAnalyses)
		r.Get("/api/payments", srv.handleListPayments)
		r.Get("/api/me", srv.handleGetMe)
		r.Delete("/api/me", srv.handleDeleteMe)
		r.Put("/api/me/locale", srv.handleSetLocale)
		r.Post("/api/checkout", srv.handleCreateCheckout)
		r.Post("/api/portal", srv.handleCreatePortal)
		r.Post("/api/feedback", srv.handleCreateFeedback)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/admin/accounts", srv.handleAdminListAccounts)
			r.Get("/api/admin/leads", srv.handleAdminListLeads)
			r.Get("/api/admin/feedback", srv.handleAdminListFeedback)
			r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginRL != nil {
		s.loginRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
	if s.rl != nil {
		s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	}
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.logAudit(r.Context(), "", "login.failed", map[string]string{"email": req.Email})
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	acct, _ := s.store.GetAccountByEmail(r.Context(), req.Email)
	accountID := ""
	if acct != nil {
		accountID = acct.ID
	}
	s.logAudit(r.Context(), accountID, "login.success", nil)

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	acct, err := s.loginProvider.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		if err == auth.ErrAccountExists {
			writeError(w, http.StatusConflict, "account already exists")
			return
		}
		s.logger.Error("register failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	// New accounts start on the free plan.
	if err := s.ledger.EnsureAccount(r.Context(), acct.ID, acct.Email, acct.IsAdmin); err != nil {
		s.logger.Error("ensure account failed", "account", acct.ID, "error", err)
	}

	token, err := s.loginProvider.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "account created but login failed")
		return
	}

	s.logAudit(r.Context(), acct.ID, "account.registered", nil)
	writeJSON(w, http.StatusCreated, map[string]string{"token": token})
}

// --- Stripe webhook ---

// handleStripeWebhook verifies the event signature and dispatches to the
// reconciler. A processing error returns 500 so the provider retries;
// unrecognized event types return 200 and are dropped.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.webhookSecret)
	if err != nil {
		s.logger.Warn("webhook signature verification failed", "error", err)
		writeError(w, http.StatusBadRequest, "invalid signature")
		return
	}

	if err := s.dispatchStripeEvent(r.Context(), event); err != nil {
		s.logger.Error("webhook processing failed", "type", event.Type, "event", event.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "event processing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"received": "true"})
}

func (s *Server) dispatchStripeEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return fmt.Errorf("parse checkout session: %w", err)
		}
		return s.reconciler.HandleCheckoutCompleted(ctx, &cs)

	case "invoice.paid", "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("parse invoice: %w", err)
		}
		return s.reconciler.HandleInvoicePaid(ctx, &inv)

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("parse invoice: %w", err)
		}
		return s.reconciler.HandleInvoiceFailed(ctx, &inv)

	case "charge.failed":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return fmt.Errorf("parse charge: %w", err)
		}
		return s.reconciler.HandleChargeFailed(ctx, &ch)

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("parse subscription: %w", err)
		}
		return s.reconciler.HandleSubscriptionUpdated(ctx, &sub)

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("parse subscription: %w", err)
		}
		return s.reconciler.HandleSubscriptionDeleted(ctx, &sub)

	default:
		s.logger.Debug("ignoring webhook event", "type", event.Type)
		return nil
	}
}

// --- Quota and usage handlers ---

func (s *Server) handleGetQuota(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	if err := s.ledger.EnsureAccount(r.Context(), identity.AccountID, identity.Email, identity.IsAdmin); err != nil {
		s.logger.Error("ensure account failed", "account", identity.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	status, err := s.ledger.CanPerformAnalysis(r.Context(), identity.AccountID)
	if err != nil {
		s.logger.Error("quota check failed", "account", identity.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to check quota")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	if err := s.ledger.EnsureAccount(r.Context(), identity.AccountID, identity.Email, identity.IsAdmin); err != nil {
		s.logger.Error("ensure account failed", "account", identity.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		ClaimToken string `json:"claim_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, source := s.ledger.RecordUsage(r.Context(), identity.AccountID, req.ClaimToken)
	switch outcome {
	case billing.OutcomeSaved:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "source": source})
	case billing.OutcomeNoPending:
		writeError(w, http.StatusNotFound, "no pending analysis result")
	case billing.OutcomeQuotaExceeded:
		writeError(w, http.StatusPaymentRequired, "analysis quota exceeded")
	default:
		writeError(w, http.StatusInternalServerError, "failed to record usage")
	}
}

func (s *Server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	limit, offset := paginationParams(r, 50)

	analyses, err := s.store.ListAnalyses(r.Context(), identity.AccountID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list analyses")
		return
	}
	if analyses == nil {
		analyses = []store.Analysis{}
	}
	writeJSON(w, http.StatusOK, analyses)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	limit, _ := paginationParams(r, 50)

	payments, err := s.store.ListPayments(r.Context(), identity.AccountID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list payments")
		return
	}
	if payments == nil {
		payments = []store.PaymentRecord{}
	}
	writeJSON(w, http.StatusOK, payments)
}

// --- Account handlers ---

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	if err := s.ledger.EnsureAccount(r.Context(), identity.AccountID, identity.Email, identity.IsAdmin); err != nil {
		s.logger.Error("ensure account failed", "account", identity.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	acct, err := s.store.GetAccount(r.Context(), identity.AccountID)
	if err != nil || acct == nil {
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	sub, err := s.store.GetSubscription(r.Context(), identity.AccountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load subscription")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account":      acct,
		"subscription": sub,
	})
}

func (s *Server) handleDeleteMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	if err := s.store.DeleteAccount(r.Context(), identity.AccountID); err != nil {
		s.logger.Error("delete account failed", "account", identity.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete account")
		return
	}

	s.logAudit(r.Context(), identity.AccountID, "account.deleted", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSetLocale(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Locale string `json:"locale"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Locale) > 16 {
		writeError(w, http.StatusBadRequest, "invalid locale")
		return
	}

	if err := s.store.SetPreferredLocale(r.Context(), identity.AccountID, req.Locale); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save locale")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// --- Billing handlers ---

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	if err := s.ledger.EnsureAccount(r.Context(), identity.AccountID, identity.Email, identity.IsAdmin); err != nil {
		s.logger.Error("ensure account failed", "account", identity.AccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Product string `json:"product"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	checkoutURL, sessionID, err := s.checkout.CreateCheckout(r.Context(), identity.AccountID, identity.Email, req.Product)
	if err != nil {
		switch err {
		case billing.ErrMaxAddonPacks:
			writeError(w, http.StatusConflict, err.Error())
		case billing.ErrNoActiveSubscription:
			writeError(w, http.StatusConflict, err.Error())
		case billing.ErrBillingNotConfigured:
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("create checkout failed", "account", identity.AccountID, "product", req.Product, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": checkoutURL, "session_id": sessionID})
}

func (s *Server) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	portalURL, err := s.checkout.CreatePortal(r.Context(), identity.AccountID, r.Header.Get("Origin"))
	if err != nil {
		if err == billing.ErrBillingNotConfigured {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Warn("create portal failed", "account", identity.AccountID, "error", err)
		writeError(w, http.StatusBadRequest, "failed to create portal session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": portalURL})
}

// --- Analysis handlers ---

// handleAnalyze forwards audio to the analyzer and parks the verdict as a
// pending result. Nothing is saved and no quota is spent here; the claim
// token returned must be redeemed through the usage endpoint.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	// Auth is optional: signed-out visitors can try the analyzer.
	accountID := ""
	if token := bearerToken(r); token != "" {
		identity, err := s.authProvider.ValidateToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		accountID = identity.AccountID
	}

	const maxUploadBytes = 64 << 20 // uploaded mixes can be large WAV files
	audio, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	if len(audio) == 0 {
		writeError(w, http.StatusBadRequest, "empty upload")
		return
	}

	result, err := s.analyzer.Analyze(r.Context(), audio, r.Header.Get("Content-Type"))
	if err != nil {
		s.logger.Error("analysis failed", "account", accountID, "error", err)
		writeError(w, http.StatusBadGateway, "analysis engine unavailable")
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode result")
		return
	}

	token := uuid.New().String()
	if err := s.store.CreatePendingResult(r.Context(), &store.PendingResult{
		ID:        uuid.New().String(),
		Token:     token,
		AccountID: accountID,
		Payload:   payload,
		CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Error("park pending result failed", "account", accountID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store result")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"result":      result,
		"claim_token": token,
	})
}

// --- Lead and feedback handlers ---

func (s *Server) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Email  string `json:"email"`
		Source string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !strings.Contains(req.Email, "@") || len(req.Email) > 254 {
		writeError(w, http.StatusBadRequest, "a valid email is required")
		return
	}

	if err := s.store.CreateLead(r.Context(), &store.Lead{
		ID:        uuid.New().String(),
		Email:     req.Email,
		Source:    req.Source,
		CreatedAt: time.Now(),
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save lead")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "saved"})
}

func (s *Server) handleCreateFeedback(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Rating  int    `json:"rating"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Rating < 1 || req.Rating > 5 {
		writeError(w, http.StatusBadRequest, "rating must be 1-5")
		return
	}

	if err := s.store.CreateFeedback(r.Context(), &store.Feedback{
		ID:        uuid.New().String(),
		AccountID: identity.AccountID,
		Rating:    req.Rating,
		Message:   req.Message,
		CreatedAt: time.Now(),
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save feedback")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "saved"})
}

// --- Admin handlers ---

func (s *Server) handleAdminListAccounts(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r, 100)
	accounts, err := s.store.ListAccounts(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	if accounts == nil {
		accounts = []store.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleAdminListLeads(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r, 100)
	leads, err := s.store.ListLeads(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list leads")
		return
	}
	if leads == nil {
		leads = []store.Lead{}
	}
	writeJSON(w, http.StatusOK, leads)
}

func (s *Server) handleAdminListFeedback(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r, 100)
	feedback, err := s.store.ListFeedback(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list feedback")
		return
	}
	if feedback == nil {
		feedback = []store.Feedback{}
	}
	writeJSON(w, http.StatusOK, feedback)
}

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset := paginationParams(r, 100)
	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Analysis progress proxy ---

var analysisUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	// Max message from client: 256 KB covers one chunk of streamed audio.
	proxyMaxClientMessage = 256 * 1024
	// Max message from the analyzer: 64 KB (JSON progress frames).
	proxyMaxUpstreamMessage = 64 * 1024
	// Max concurrent live-analysis connections per account.
	proxyMaxPerAccount = 2
)

// proxyConns tracks active proxy connections per account.
var (
	proxyConnsMu sync.Mutex
	proxyConns   = make(map[string]int) // accountID → count
)

func (s *Server) handleAnalysisProxy(w http.ResponseWriter, r *http.Request) {
	// Authenticate via ?token= query param; browsers cannot set headers on
	// websocket dials.
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = bearerToken(r)
	}
	if tokenStr == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	identity, err := s.authProvider.ValidateToken(r.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Per-account connection limit.
	proxyConnsMu.Lock()
	if proxyConns[identity.AccountID] >= proxyMaxPerAccount {
		proxyConnsMu.Unlock()
		http.Error(w, "too many live analysis connections", http.StatusTooManyRequests)
		return
	}
	proxyConns[identity.AccountID]++
	proxyConnsMu.Unlock()
	defer func() {
		proxyConnsMu.Lock()
		proxyConns[identity.AccountID]--
		if proxyConns[identity.AccountID] <= 0 {
			delete(proxyConns, identity.AccountID)
		}
		proxyConnsMu.Unlock()
	}()

	clientConn, err := analysisUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("analysis proxy: client upgrade failed", "error", err)
		return
	}
	defer func() { _ = clientConn.Close() }()

	clientConn.SetReadLimit(proxyMaxClientMessage)

	s.logger.Info("analysis proxy: connected", "account", identity.AccountID)

	upstreamURL, err := url.Parse(s.analyzer.WSURL())
	if err != nil {
		s.logger.Warn("analysis proxy: invalid analyzer ws_url", "error", err)
		_ = clientConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "bad upstream config"))
		return
	}

	upstreamConn, _, err := websocket.DefaultDialer.Dial(upstreamURL.String(), nil)
	if err != nil {
		s.logger.Warn("analysis proxy: upstream dial failed", "error", err)
		_ = clientConn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "analyzer unavailable"))
		return
	}
	defer func() { _ = upstreamConn.Close() }()

	upstreamConn.SetReadLimit(proxyMaxUpstreamMessage)

	// Bidirectional proxy.
	done := make(chan struct{}, 2)

	// Client → Upstream
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := clientConn.ReadMessage()
			if err != nil {
				return
			}
			if err := upstreamConn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}()

	// Upstream → Client
	go func() {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := upstreamConn.ReadMessage()
			if err != nil {
				return
			}
			if err := clientConn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}()

	<-done
	s.logger.Info("analysis proxy: disconnected", "account", identity.AccountID)
}

// --- Helpers ---

func (s *Server) logAudit(ctx context.Context, accountID, action string, detail map[string]string) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	if err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID: uuid.New().String(), Action: action, AccountID: accountID,
		Detail: raw, CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

func paginationParams(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
