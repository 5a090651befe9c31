// Package store defines the persistence interface for the entitlement ledger
// and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Subscription statuses. Exactly one subscription row exists per account; the
// row is the serialization point for all entitlement writes.
const (
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
	StatusTrialing = "trialing"
	StatusPaused   = "paused"
)

// Payment record statuses.
const (
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"
	PaymentPending   = "pending"
	PaymentRefunded  = "refunded"
)

// Store is the persistence interface for the server.
type Store interface {
	// Accounts
	EnsureAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	ListAccounts(ctx context.Context, limit, offset int) ([]Account, error)
	SetPreferredLocale(ctx context.Context, id, locale string) error
	// IncrementLifetimeUsed adds one lifetime analysis if the current count is
	// below limit. Returns false when the counter is already at the limit.
	IncrementLifetimeUsed(ctx context.Context, id string, limit int) (bool, error)
	// DeleteAccount archives the account's usage counters before removing the
	// row, so a re-created account does not get a fresh free quota.
	DeleteAccount(ctx context.Context, id string) error

	// Subscriptions
	GetSubscription(ctx context.Context, accountID string) (*Subscription, error)
	GetSubscriptionByStripeID(ctx context.Context, stripeSubID string) (*Subscription, error)
	GetSubscriptionByStripeCustomer(ctx context.Context, customerID string) (*Subscription, error)
	// UpsertSubscription inserts or replaces the subscription keyed by account
	// id. This is what keeps "at most one active subscription per account" true
	// under webhook replay.
	UpsertSubscription(ctx context.Context, sub *Subscription) error
	UpdateSubscriptionStatus(ctx context.Context, stripeSubID, status string, cancelAt *time.Time) error
	// ResetCycle zeroes the cycle and add-on counters and, when the window is
	// known, advances the billing period. Status becomes active.
	ResetCycle(ctx context.Context, stripeSubID string, start, end *time.Time) error
	// DowngradeToFree is the terminal transition for a deleted provider
	// subscription: free plan, cleared external id, canceled status, zeroed
	// counters.
	DowngradeToFree(ctx context.Context, stripeSubID, freePlan string) error
	// IncrementCycleUsage consumes one unit of cycle allowance if used < limit.
	IncrementCycleUsage(ctx context.Context, accountID string, limit int) (bool, error)
	// ConsumeAddonCredit consumes one add-on credit if any remain.
	ConsumeAddonCredit(ctx context.Context, accountID string) (bool, error)
	// AddAddonPack adds credits and increments the packs-this-cycle counter.
	AddAddonPack(ctx context.Context, accountID string, credits int) error

	// Purchases
	CreatePurchase(ctx context.Context, p *Purchase) error
	// ListOpenPurchases returns succeeded purchases with remaining credits that
	// have not expired at now, oldest first.
	ListOpenPurchases(ctx context.Context, accountID string, now time.Time) ([]Purchase, error)
	// ConsumePurchaseCredit consumes one credit if used < granted.
	ConsumePurchaseCredit(ctx context.Context, purchaseID string) (bool, error)
	// RecordOneTimePurchase records the payment, creates the purchase, and
	// applies the add-on counter update (when addonCredits > 0) in one
	// transaction. Returns false with no side effects when the payment is
	// already recorded, so a delivery retried after a mid-flight failure runs
	// the whole grant again instead of finding half of it done.
	RecordOneTimePurchase(ctx context.Context, rec *PaymentRecord, p *Purchase, addonCredits int) (bool, error)

	// Payment records (append-only)
	// InsertPaymentIfNew inserts the record unless one already exists with the
	// same Stripe payment-intent id, invoice id, or charge id AND the same
	// status. Keying the dedup on (id, status) means a recorded failed attempt
	// never masks the later success of the same invoice or intent. Returns
	// whether a row was inserted.
	InsertPaymentIfNew(ctx context.Context, rec *PaymentRecord) (bool, error)
	ListPayments(ctx context.Context, accountID string, limit int) ([]PaymentRecord, error)

	// Pending analysis results
	CreatePendingResult(ctx context.Context, p *PendingResult) error
	// ClaimPendingResult atomically removes and returns a pending result. When
	// token is set it claims that row (if unbound or bound to accountID);
	// otherwise it claims the newest row bound to accountID. Returns nil when
	// nothing is there to claim — the second of two racing claimants sees nil.
	ClaimPendingResult(ctx context.Context, accountID, token string) (*PendingResult, error)
	PurgeExpiredPendingResults(ctx context.Context, before time.Time) (int64, error)

	// Saved analyses
	CreateAnalysis(ctx context.Context, a *Analysis) error
	ListAnalyses(ctx context.Context, accountID string, limit, offset int) ([]Analysis, error)

	// Leads and feedback
	CreateLead(ctx context.Context, l *Lead) error
	ListLeads(ctx context.Context, limit, offset int) ([]Lead, error)
	CreateFeedback(ctx context.Context, f *Feedback) error
	ListFeedback(ctx context.Context, limit, offset int) ([]Feedback, error)

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, limit, offset int) ([]AuditEvent, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Account is one end user, keyed by the external auth subject.
type Account struct {
	ID                   string    `json:"id"`
	Email                string    `json:"email"`
	PasswordHash         string    `json:"-"` // empty for externally authenticated accounts
	IsAdmin              bool      `json:"is_admin"`
	LifetimeAnalysesUsed int       `json:"lifetime_analyses_used"`
	PreferredLocale      string    `json:"preferred_locale,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Subscription is the single entitlement row for an account.
type Subscription struct {
	ID                     string     `json:"id"`
	AccountID              string     `json:"account_id"`
	Plan                   string     `json:"plan"`
	StripeCustomerID       string     `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID   string     `json:"stripe_subscription_id,omitempty"` // empty = no live recurring billing
	Status                 string     `json:"status"`
	CurrentPeriodStart     time.Time  `json:"current_period_start"`
	CurrentPeriodEnd       time.Time  `json:"current_period_end"`
	AnalysesUsedThisCycle  int        `json:"analyses_used_this_cycle"`
	AddonAnalysesRemaining int        `json:"addon_analyses_remaining"`
	AddonPacksThisCycle    int        `json:"addon_packs_this_cycle"`
	CancelAt               *time.Time `json:"cancel_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Purchase is a one-time payment (single analysis or add-on pack).
type Purchase struct {
	ID                    string     `json:"id"`
	AccountID             string     `json:"account_id"`
	Plan                  string     `json:"plan"`
	AmountCents           int64      `json:"amount_cents"`
	Currency              string     `json:"currency"`
	AnalysesGranted       int        `json:"analyses_granted"`
	AnalysesUsed          int        `json:"analyses_used"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"` // add-ons inherit the cycle end
	Status                string     `json:"status"`
	StripePaymentIntentID string     `json:"stripe_payment_intent_id,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// PaymentRecord is an append-only audit entry for money movement.
type PaymentRecord struct {
	ID                    string    `json:"id"`
	AccountID             string    `json:"account_id"`
	AmountCents           int64     `json:"amount_cents"`
	Currency              string    `json:"currency"`
	Status                string    `json:"status"`
	Description           string    `json:"description"`
	StripeInvoiceID       string    `json:"stripe_invoice_id,omitempty"`
	StripePaymentIntentID string    `json:"stripe_payment_intent_id,omitempty"`
	StripeChargeID        string    `json:"stripe_charge_id,omitempty"`
	FailureReason         string    `json:"failure_reason,omitempty"`
	ReceiptURL            string    `json:"receipt_url,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}

// PendingResult is an unsaved analysis outcome waiting to be claimed by the
// usage recorder. AccountID is empty for anonymous analyses until sign-in.
type PendingResult struct {
	ID        string          `json:"id"`
	Token     string          `json:"token"`
	AccountID string          `json:"account_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Analysis is a durably saved, paid-for analysis result.
type Analysis struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Score     float64         `json:"score"`
	Payload   json.RawMessage `json:"payload"`
	Source    string          `json:"source"` // which bucket paid for it
	CreatedAt time.Time       `json:"created_at"`
}

// Lead is a marketing lead captured from the public site.
type Lead struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Feedback is user feedback shown in the admin dashboard.
type Feedback struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Rating    int       `json:"rating"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID        string          `json:"id"`
	Action    string          `json:"action"`
	AccountID string          `json:"account_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
