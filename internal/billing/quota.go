package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/masteringready/masteringready/internal/store"
)

// Usage recording outcomes. A closed set so every call site can branch
// exhaustively instead of catching errors.
const (
	OutcomeSaved         = "saved"
	OutcomeQuotaExceeded = "quota_exceeded"
	OutcomeNoPending     = "no_pending"
	OutcomeError         = "error"
)

// Buckets a unit of usage can be drawn from, in consumption order.
const (
	SourceCycle    = "cycle"
	SourceAddon    = "addon"
	SourcePurchase = "purchase"
	SourceLifetime = "lifetime"
)

// QuotaStatus is the result of a quota check.
type QuotaStatus struct {
	Allowed    bool   `json:"can_analyze"`
	Reason     string `json:"reason,omitempty"`
	Used       int    `json:"analyses_used"`
	Limit      int    `json:"analyses_limit"`
	IsLifetime bool   `json:"is_lifetime"`
}

// Ledger owns the entitlement state: the quota gate and the usage recorder.
type Ledger struct {
	store  store.Store
	logger *slog.Logger
}

// NewLedger creates a Ledger.
func NewLedger(s store.Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  s,
		logger: logger.With("component", "ledger"),
	}
}

// EnsureAccount creates the account row and its free-plan subscription on
// first sign-in. Safe to call on every request.
func (l *Ledger) EnsureAccount(ctx context.Context, id, email string, isAdmin bool) error {
	if err := l.store.EnsureAccount(ctx, &store.Account{
		ID:        id,
		Email:     email,
		IsAdmin:   isAdmin,
		CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}

	sub, err := l.store.GetSubscription(ctx, id)
	if err != nil {
		return fmt.Errorf("get subscription: %w", err)
	}
	if sub != nil {
		return nil
	}

	now := time.Now()
	return l.store.UpsertSubscription(ctx, &store.Subscription{
		ID:                 uuid.New().String(),
		AccountID:          id,
		Plan:               PlanFree,
		Status:             store.StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   farFuture,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
}

// CanPerformAnalysis is the quota gate, read immediately before a billable
// action. An empty accountID is an anonymous caller and is always allowed;
// anonymous usage is tracked out-of-band. The check is a pure read — the
// race window against the eventual write is closed by RecordUsage rechecking.
func (l *Ledger) CanPerformAnalysis(ctx context.Context, accountID string) (*QuotaStatus, error) {
	if accountID == "" {
		return &QuotaStatus{Allowed: true}, nil
	}

	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if acct == nil {
		return nil, fmt.Errorf("account %s not found", accountID)
	}

	sub, err := l.store.GetSubscription(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}

	purchaseCredits, err := l.openPurchaseCredits(ctx, accountID)
	if err != nil {
		return nil, err
	}

	status := &QuotaStatus{}
	var remaining int
	if subscriptionEntitled(sub) {
		limits := GetLimits(sub.Plan)
		status.Used = sub.AnalysesUsedThisCycle
		status.Limit = limits.Allowance
		remaining = limits.Allowance - sub.AnalysesUsedThisCycle + sub.AddonAnalysesRemaining + purchaseCredits
	} else {
		limits := GetLimits(PlanFree)
		status.Used = acct.LifetimeAnalysesUsed
		status.Limit = limits.Allowance
		status.IsLifetime = true
		remaining = limits.Allowance - acct.LifetimeAnalysesUsed + purchaseCredits
	}

	if remaining > 0 {
		status.Allowed = true
	} else {
		status.Reason = OutcomeQuotaExceeded
	}
	return status, nil
}

// RecordUsage consumes the pending analysis result and charges one unit of
// capacity. It claims the pending row before anything else, so of two
// near-simultaneous callers only one finds it; then it re-validates quota at
// write time. Capacity is consumed in a fixed order: subscription cycle
// allowance, add-on credits, one-time purchase credits, free lifetime
// allowance. Returns the outcome and the bucket that paid for the unit.
func (l *Ledger) RecordUsage(ctx context.Context, accountID, claimToken string) (string, string) {
	pending, err := l.store.ClaimPendingResult(ctx, accountID, claimToken)
	if err != nil {
		l.logger.Error("claim pending result failed", "account", accountID, "error", err)
		return OutcomeError, ""
	}
	if pending == nil {
		return OutcomeNoPending, ""
	}

	status, err := l.CanPerformAnalysis(ctx, accountID)
	if err != nil {
		l.logger.Error("quota recheck failed", "account", accountID, "error", err)
		return OutcomeError, ""
	}
	if !status.Allowed {
		// Quota exhausted between check and write. The result stays unsaved.
		return OutcomeQuotaExceeded, ""
	}

	source, err := l.consumeUnit(ctx, accountID)
	if err != nil {
		l.logger.Error("consume unit failed", "account", accountID, "error", err)
		return OutcomeError, ""
	}
	if source == "" {
		return OutcomeQuotaExceeded, ""
	}

	var payload struct {
		Score float64 `json:"score"`
	}
	_ = json.Unmarshal(pending.Payload, &payload)

	if err := l.store.CreateAnalysis(ctx, &store.Analysis{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Score:     payload.Score,
		Payload:   pending.Payload,
		Source:    source,
		CreatedAt: time.Now(),
	}); err != nil {
		l.logger.Error("persist analysis failed", "account", accountID, "source", source, "error", err)
		return OutcomeError, ""
	}

	l.audit(ctx, accountID, "usage.recorded", map[string]string{"source": source})
	return OutcomeSaved, source
}

// consumeUnit charges one unit against the first bucket with capacity.
// Every store call is a conditional update, so a concurrent consumer cannot
// push a counter past its limit. Returns "" when no bucket had capacity.
func (l *Ledger) consumeUnit(ctx context.Context, accountID string) (string, error) {
	sub, err := l.store.GetSubscription(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("get subscription: %w", err)
	}

	if subscriptionEntitled(sub) {
		limits := GetLimits(sub.Plan)
		ok, err := l.store.IncrementCycleUsage(ctx, accountID, limits.Allowance)
		if err != nil {
			return "", err
		}
		if ok {
			return SourceCycle, nil
		}

		ok, err = l.store.ConsumeAddonCredit(ctx, accountID)
		if err != nil {
			return "", err
		}
		if ok {
			return SourceAddon, nil
		}
	}

	purchases, err := l.store.ListOpenPurchases(ctx, accountID, time.Now())
	if err != nil {
		return "", err
	}
	for _, p := range purchases {
		ok, err := l.store.ConsumePurchaseCredit(ctx, p.ID)
		if err != nil {
			return "", err
		}
		if ok {
			return SourcePurchase, nil
		}
	}

	if sub == nil || sub.Plan == PlanFree || !subscriptionEntitled(sub) {
		ok, err := l.store.IncrementLifetimeUsed(ctx, accountID, GetLimits(PlanFree).Allowance)
		if err != nil {
			return "", err
		}
		if ok {
			return SourceLifetime, nil
		}
	}

	return "", nil
}

func (l *Ledger) openPurchaseCredits(ctx context.Context, accountID string) (int, error) {
	purchases, err := l.store.ListOpenPurchases(ctx, accountID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("list open purchases: %w", err)
	}
	total := 0
	for _, p := range purchases {
		total += p.AnalysesGranted - p.AnalysesUsed
	}
	return total, nil
}

func (l *Ledger) audit(ctx context.Context, accountID, action string, detail map[string]string) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	if err := l.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		AccountID: accountID,
		Detail:    raw,
		CreatedAt: time.Now(),
	}); err != nil {
		l.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

// subscriptionEntitled reports whether the subscription's cycle allowance is
// usable. Past-due and canceled subscriptions fall back to the free lifetime
// bucket.
func subscriptionEntitled(sub *store.Subscription) bool {
	if sub == nil || sub.Plan != PlanPro {
		return false
	}
	return sub.Status == store.StatusActive || sub.Status == store.StatusTrialing
}
