package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v81"
	stripewebhook "github.com/stripe/stripe-go/v81/webhook"
	"github.com/masteringready/masteringready/internal/analysis"
	"github.com/masteringready/masteringready/internal/auth"
	"github.com/masteringready/masteringready/internal/billing"
	"github.com/masteringready/masteringready/internal/config"
	"github.com/masteringready/masteringready/internal/store"
)

const (
	testJWTSecret     = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	testWebhookSecret = "whsec_test_secret"
	adminEmail        = "admin@example.com"
	adminPassword     = "admin-password-1"
)

type fakeStripeClient struct{}

func (f *fakeStripeClient) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return &stripe.CheckoutSession{ID: "cs_test", URL: "https://checkout.example/cs_test"}, nil
}

func (f *fakeStripeClient) NewPortalSession(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	return &stripe.BillingPortalSession{URL: "https://portal.example/ps_test"}, nil
}

func newTestServer(t *testing.T) (*Server, *store.SQLiteStore) {
	t.Helper()
	return newTestServerWithStripe(t, &fakeStripeClient{})
}

func newTestServerWithStripe(t *testing.T, sc billing.StripeClient) (*Server, *store.SQLiteStore) {
	t.Helper()

	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1 << 20,
		},
		Auth: config.AuthConfig{
			JWTSecret: testJWTSecret,
			JWTExpiry: config.Duration{Duration: time.Hour},
			InitialAdmin: &config.InitialAdmin{
				Email:    adminEmail,
				Password: adminPassword,
			},
		},
		Billing: config.BillingConfig{
			StripeWebhookSecret:  testWebhookSecret,
			StripePriceSingle:    "price_single",
			StripePricePro:       "price_pro",
			StripePriceAddon:     "price_addon",
			CheckoutSuccessURL:   "https://app.example/checkout/success",
			CheckoutCancelURL:    "https://app.example/pricing",
			PortalAllowedOrigins: []string{"https://app.example"},
			PortalDefaultOrigin:  "https://app.example",
		},
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
	}

	authSvc := auth.NewService(s, cfg.Auth)
	if err := authSvc.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	ledger := billing.NewLedger(s, logger)
	rec := billing.NewReconciler(s, logger)
	co := billing.NewCheckoutService(sc, s, cfg.Billing, "DE", logger)

	var an *analysis.Client
	return NewServer(s, authSvc, authSvc, ledger, rec, co, an, cfg, logger), s
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return m
}

// registerAccount registers a fresh account and returns its bearer token.
func registerAccount(t *testing.T, h http.Handler, email string) string {
	t.Helper()
	w := doJSON(t, h, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": email, "password": "correct-horse-battery",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d, body %s", email, w.Code, w.Body.String())
	}
	return decodeBody(t, w)["token"].(string)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if decodeBody(t, w)["status"] != "ok" {
		t.Errorf("body: %s", w.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	for _, path := range []string{"/api/quota", "/api/me", "/api/payments"} {
		if w := doJSON(t, h, http.MethodGet, path, "", nil); w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s without token: status %d, want 401", path, w.Code)
		}
	}
	if w := doJSON(t, h, http.MethodGet, "/api/quota", "not-a-jwt", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("garbage token: status %d, want 401", w.Code)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	token := registerAccount(t, h, "u1@example.com")
	if token == "" {
		t.Fatal("empty token from register")
	}

	// Duplicate registration.
	w := doJSON(t, h, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": "u1@example.com", "password": "correct-horse-battery",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate register: status %d, want 409", w.Code)
	}

	// Short password rejected before touching the store.
	w = doJSON(t, h, http.MethodPost, "/api/auth/register", "", map[string]string{
		"email": "u2@example.com", "password": "short",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("short password: status %d, want 400", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "u1@example.com", "password": "correct-horse-battery",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "u1@example.com", "password": "wrong-password-here",
	})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status %d, want 401", w.Code)
	}
}

func TestQuotaResponse(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := registerAccount(t, h, "quota@example.com")

	w := doJSON(t, h, http.MethodGet, "/api/quota", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["can_analyze"] != true {
		t.Errorf("can_analyze: %v", body["can_analyze"])
	}
	if body["analyses_limit"].(float64) != 2 {
		t.Errorf("analyses_limit: %v", body["analyses_limit"])
	}
	if body["is_lifetime"] != true {
		t.Errorf("is_lifetime: %v", body["is_lifetime"])
	}
}

func TestRecordUsageOutcomes(t *testing.T) {
	srv, s := newTestServer(t)
	h := srv.Handler()
	token := registerAccount(t, h, "usage@example.com")
	ctx := context.Background()

	// No pending result parked yet.
	w := doJSON(t, h, http.MethodPost, "/api/usage", token, map[string]string{"claim_token": uuid.New().String()})
	if w.Code != http.StatusNotFound {
		t.Fatalf("no pending: status %d, want 404", w.Code)
	}

	acct, err := s.GetAccountByEmail(ctx, "usage@example.com")
	if err != nil || acct == nil {
		t.Fatalf("account lookup: %v", err)
	}

	park := func() string {
		claim := uuid.New().String()
		if err := s.CreatePendingResult(ctx, &store.PendingResult{
			ID: uuid.New().String(), Token: claim, AccountID: acct.ID,
			Payload: json.RawMessage(`{"score":88.0}`), CreatedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
		return claim
	}

	// The free plan allows two saved analyses.
	for i := 0; i < 2; i++ {
		w = doJSON(t, h, http.MethodPost, "/api/usage", token, map[string]string{"claim_token": park()})
		if w.Code != http.StatusOK {
			t.Fatalf("save %d: status %d, body %s", i, w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["success"] != true {
			t.Errorf("success: %v", body["success"])
		}
		if body["source"] != billing.SourceLifetime {
			t.Errorf("source: %v", body["source"])
		}
	}

	// Third attempt exceeds the free allowance.
	w = doJSON(t, h, http.MethodPost, "/api/usage", token, map[string]string{"claim_token": park()})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("over quota: status %d, want 402", w.Code)
	}
}

// stripeEventBody builds a signed webhook request body and signature header.
func stripeEventBody(t *testing.T, eventType string, object any) ([]byte, string) {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatal(err)
	}
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_" + uuid.New().String()[:8],
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": json.RawMessage(raw)},
	})
	if err != nil {
		t.Fatal(err)
	}
	ts := time.Now()
	sig := stripewebhook.ComputeSignature(ts, payload, testWebhookSecret)
	header := fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(sig))
	return payload, header
}

func postWebhook(t *testing.T, h http.Handler, payload []byte, sigHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if sigHeader != "" {
		req.Header.Set("Stripe-Signature", sigHeader)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	payload, _ := stripeEventBody(t, "customer.subscription.deleted", map[string]string{"id": "sub_x"})

	if w := postWebhook(t, h, payload, ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing signature: status %d, want 400", w.Code)
	}

	ts := time.Now()
	forged := stripewebhook.ComputeSignature(ts, payload, "whsec_wrong_secret")
	header := fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(forged))
	if w := postWebhook(t, h, payload, header); w.Code != http.StatusBadRequest {
		t.Errorf("forged signature: status %d, want 400", w.Code)
	}
}

func TestWebhookIgnoresUnknownEvents(t *testing.T) {
	srv, _ := newTestServer(t)

	payload, header := stripeEventBody(t, "customer.created", map[string]string{"id": "cus_x"})
	if w := postWebhook(t, srv.Handler(), payload, header); w.Code != http.StatusOK {
		t.Errorf("unknown event type: status %d, want 200", w.Code)
	}
}

func TestWebhookCheckoutCompletedUpgradesAccount(t *testing.T) {
	srv, s := newTestServer(t)
	h := srv.Handler()
	ctx := context.Background()

	registerAccount(t, h, "upgrade@example.com")
	acct, err := s.GetAccountByEmail(ctx, "upgrade@example.com")
	if err != nil || acct == nil {
		t.Fatalf("account lookup: %v", err)
	}

	now := time.Now()
	payload, header := stripeEventBody(t, "checkout.session.completed", map[string]any{
		"id":       "cs_live",
		"metadata": map[string]string{"account_id": acct.ID, "product": "pro"},
		"customer": map[string]string{"id": "cus_live"},
		"subscription": map[string]any{
			"id":                   "sub_live",
			"current_period_start": now.Unix(),
			"current_period_end":   now.Add(30 * 24 * time.Hour).Unix(),
		},
	})
	if w := postWebhook(t, h, payload, header); w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}

	sub, err := s.GetSubscription(ctx, acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sub.Plan != "pro" || sub.Status != store.StatusActive {
		t.Errorf("subscription after webhook: plan=%q status=%q", sub.Plan, sub.Status)
	}
	if sub.StripeSubscriptionID != "sub_live" {
		t.Errorf("stripe subscription id: %q", sub.StripeSubscriptionID)
	}
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	userToken := registerAccount(t, h, "mortal@example.com")
	if w := doJSON(t, h, http.MethodGet, "/api/admin/accounts", userToken, nil); w.Code != http.StatusForbidden {
		t.Errorf("non-admin: status %d, want 403", w.Code)
	}

	// The bootstrapped initial admin can log in and list accounts.
	w := doJSON(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": adminEmail, "password": adminPassword,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("admin login: status %d, body %s", w.Code, w.Body.String())
	}
	adminToken := decodeBody(t, w)["token"].(string)

	if w := doJSON(t, h, http.MethodGet, "/api/admin/accounts", adminToken, nil); w.Code != http.StatusOK {
		t.Errorf("admin: status %d, body %s", w.Code, w.Body.String())
	}
}

func TestCreateCheckoutEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	token := registerAccount(t, h, "buyer@example.com")

	w := doJSON(t, h, http.MethodPost, "/api/checkout", token, map[string]string{"product": "single"})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["url"] != "https://checkout.example/cs_test" {
		t.Errorf("url: %v", body["url"])
	}
	if body["session_id"] != "cs_test" {
		t.Errorf("session_id: %v", body["session_id"])
	}

	// Add-on without a subscription is a conflict, not a server error.
	w = doJSON(t, h, http.MethodPost, "/api/checkout", token, map[string]string{"product": "addon"})
	if w.Code != http.StatusConflict {
		t.Errorf("addon without subscription: status %d, want 409", w.Code)
	}
}

func TestBillingEndpointsWithoutStripe(t *testing.T) {
	// No Stripe secret key configured: billing routes answer 503 instead of
	// crashing on a nil client.
	srv, _ := newTestServerWithStripe(t, nil)
	h := srv.Handler()
	token := registerAccount(t, h, "nostripe@example.com")

	w := doJSON(t, h, http.MethodPost, "/api/checkout", token, map[string]string{"product": "single"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("checkout: status %d, want 503", w.Code)
	}
	w = doJSON(t, h, http.MethodPost, "/api/portal", token, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("portal: status %d, want 503", w.Code)
	}
}

func TestLeadCapture(t *testing.T) {
	srv, s := newTestServer(t)
	h := srv.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/leads", "", map[string]string{"email": "not-an-email"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid email: status %d, want 400", w.Code)
	}

	w = doJSON(t, h, http.MethodPost, "/api/leads", "", map[string]string{
		"email": "fan@example.com", "source": "landing",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d, body %s", w.Code, w.Body.String())
	}

	leads, err := s.ListLeads(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(leads) != 1 || leads[0].Email != "fan@example.com" {
		t.Errorf("leads: %+v", leads)
	}
}

func TestDeleteMeArchivesUsage(t *testing.T) {
	srv, s := newTestServer(t)
	h := srv.Handler()
	ctx := context.Background()

	token := registerAccount(t, h, "leaver@example.com")
	acct, _ := s.GetAccountByEmail(ctx, "leaver@example.com")
	if _, err := s.IncrementLifetimeUsed(ctx, acct.ID, 2); err != nil {
		t.Fatal(err)
	}

	if w := doJSON(t, h, http.MethodDelete, "/api/me", token, nil); w.Code != http.StatusOK {
		t.Fatalf("delete: status %d", w.Code)
	}
	if got, _ := s.GetAccount(ctx, acct.ID); got != nil {
		t.Fatal("account still present after delete")
	}

	// Registering again with the same email does not reset the free quota.
	registerAccount(t, h, "leaver@example.com")
	again, _ := s.GetAccountByEmail(ctx, "leaver@example.com")
	if again.LifetimeAnalysesUsed != 1 {
		t.Errorf("lifetime counter after re-register: got %d, want 1", again.LifetimeAnalysesUsed)
	}
}
