package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v81"
	"github.com/masteringready/masteringready/internal/store"
)

// Metadata keys set on checkout sessions and read back from webhook events.
const (
	MetaAccountID = "account_id"
	MetaProduct   = "product"
)

// Reconciler translates Stripe webhook events into ledger mutations. Stripe
// delivers events at-least-once, so every mutation here is either an upsert
// keyed by a natural id or an idempotent insert — applying the same event
// twice must leave the ledger unchanged.
type Reconciler struct {
	store  store.Store
	logger *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(s store.Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  s,
		logger: logger.With("component", "reconciler"),
	}
}

// HandleCheckoutCompleted processes checkout.session.completed for both
// subscription and one-time products. The product type and account id travel
// in the session metadata set at checkout creation.
func (r *Reconciler) HandleCheckoutCompleted(ctx context.Context, cs *stripe.CheckoutSession) error {
	accountID := cs.Metadata[MetaAccountID]
	product := cs.Metadata[MetaProduct]
	if accountID == "" || product == "" {
		// Not one of our sessions. Drop, don't fabricate.
		r.logger.Warn("checkout session without required metadata", "session", cs.ID)
		return nil
	}

	switch product {
	case PlanPro:
		return r.completeSubscriptionCheckout(ctx, cs, accountID)
	case PlanSingle, PlanAddon:
		return r.completeOneTimeCheckout(ctx, cs, accountID, product)
	default:
		r.logger.Warn("checkout session with unknown product", "session", cs.ID, "product", product)
		return nil
	}
}

func (r *Reconciler) completeSubscriptionCheckout(ctx context.Context, cs *stripe.CheckoutSession, accountID string) error {
	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if acct == nil {
		r.logger.Warn("checkout for unknown account", "session", cs.ID, "account", accountID)
		return nil
	}

	// Welcome bonus: upgrading accounts get back the free analyses they spent,
	// capped so the bonus never exceeds the free allowance itself.
	bonus := acct.LifetimeAnalysesUsed
	if bonus > WelcomeBonusCap {
		bonus = WelcomeBonusCap
	}

	start, end, ok := periodFromCheckoutSession(cs)
	if !ok {
		// Provider omitted the period on this API version; a 30-day window is
		// the documented fallback until invoice.paid supplies the real one.
		start = time.Now()
		end = start.Add(30 * 24 * time.Hour)
	}

	var customerID, subID string
	if cs.Customer != nil {
		customerID = cs.Customer.ID
	}
	if cs.Subscription != nil {
		subID = cs.Subscription.ID
	}

	now := time.Now()
	if err := r.store.UpsertSubscription(ctx, &store.Subscription{
		ID:                     uuid.New().String(),
		AccountID:              accountID,
		Plan:                   PlanPro,
		StripeCustomerID:       customerID,
		StripeSubscriptionID:   subID,
		Status:                 store.StatusActive,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       end,
		AnalysesUsedThisCycle:  0,
		AddonAnalysesRemaining: bonus,
		AddonPacksThisCycle:    0,
		CreatedAt:              now,
		UpdatedAt:              now,
	}); err != nil {
		return err
	}

	// The initial subscription payment is recorded by its invoice.paid event;
	// recording it here too would double-count the money movement.
	r.logger.Info("subscription checkout completed",
		"account", accountID, "subscription", subID, "welcome_bonus", bonus)
	return nil
}

func (r *Reconciler) completeOneTimeCheckout(ctx context.Context, cs *stripe.CheckoutSession, accountID, product string) error {
	var intentID string
	if cs.PaymentIntent != nil {
		intentID = cs.PaymentIntent.ID
	}

	rec := &store.PaymentRecord{
		ID:                    uuid.New().String(),
		AccountID:             accountID,
		AmountCents:           cs.AmountTotal,
		Currency:              string(cs.Currency),
		Status:                store.PaymentSucceeded,
		Description:           oneTimeDescription(product),
		StripePaymentIntentID: intentID,
		CreatedAt:             time.Now(),
	}

	limits := GetLimits(product)
	purchase := &store.Purchase{
		ID:                    uuid.New().String(),
		AccountID:             accountID,
		Plan:                  product,
		AmountCents:           cs.AmountTotal,
		Currency:              string(cs.Currency),
		AnalysesGranted:       limits.Allowance,
		Status:                store.PaymentSucceeded,
		StripePaymentIntentID: intentID,
		CreatedAt:             time.Now(),
	}

	var addonCredits int
	if product == PlanAddon {
		sub, err := r.store.GetSubscription(ctx, accountID)
		if err != nil {
			return fmt.Errorf("get subscription: %w", err)
		}
		if !subscriptionEntitled(sub) {
			// Checkout creation refuses this; a webhook arriving anyway means
			// the subscription lapsed in between. Record, don't grant.
			r.logger.Warn("add-on checkout without active subscription", "account", accountID)
			_, err := r.store.InsertPaymentIfNew(ctx, rec)
			return err
		}
		// Add-on credits live and die with the current cycle.
		expiry := sub.CurrentPeriodEnd
		purchase.ExpiresAt = &expiry
		addonCredits = limits.Allowance
	}

	// Record and grant commit together: a delivery retried after a mid-flight
	// failure finds no payment record and runs the whole grant again.
	applied, err := r.store.RecordOneTimePurchase(ctx, rec, purchase, addonCredits)
	if err != nil {
		return err
	}
	if !applied {
		r.logger.Info("duplicate one-time checkout event ignored", "session", cs.ID)
		return nil
	}

	r.logger.Info("one-time checkout completed", "account", accountID, "product", product)
	return nil
}

// HandleInvoicePaid resets the cycle on a successful recurring payment:
// counters to zero, window advanced to the provider period, status active.
func (r *Reconciler) HandleInvoicePaid(ctx context.Context, inv *stripe.Invoice) error {
	if inv.Subscription == nil {
		// One-off invoices don't drive subscription state.
		return nil
	}
	sub, err := r.store.GetSubscriptionByStripeID(ctx, inv.Subscription.ID)
	if err != nil {
		return fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil {
		r.logger.Warn("invoice for unknown subscription", "invoice", inv.ID, "subscription", inv.Subscription.ID)
		return nil
	}

	var intentID string
	if inv.PaymentIntent != nil {
		intentID = inv.PaymentIntent.ID
	}
	// The dedup key is (invoice, status), so a recorded payment failure on
	// this invoice does not make its successful retry look like a replay.
	inserted, err := r.store.InsertPaymentIfNew(ctx, &store.PaymentRecord{
		ID:                    uuid.New().String(),
		AccountID:             sub.AccountID,
		AmountCents:           inv.AmountPaid,
		Currency:              string(inv.Currency),
		Status:                store.PaymentSucceeded,
		Description:           "Pro subscription payment",
		StripeInvoiceID:       inv.ID,
		StripePaymentIntentID: intentID,
		ReceiptURL:            inv.HostedInvoiceURL,
		CreatedAt:             time.Now(),
	})
	if err != nil {
		return err
	}

	start, end, ok := periodFromInvoice(inv)
	switch {
	case ok && (inserted || start.After(sub.CurrentPeriodStart)):
		return r.store.ResetCycle(ctx, inv.Subscription.ID, &start, &end)
	case !ok && inserted:
		// Period unknown on this payload shape: reset counters, keep the window.
		return r.store.ResetCycle(ctx, inv.Subscription.ID, nil, nil)
	}

	// Replayed delivery. The money is already accounted for, but a
	// subscription that went past_due in between still has to come back.
	if sub.Status != store.StatusActive && sub.Status != store.StatusTrialing {
		return r.store.UpdateSubscriptionStatus(ctx, inv.Subscription.ID, store.StatusActive, sub.CancelAt)
	}
	r.logger.Info("duplicate invoice.paid event ignored", "invoice", inv.ID)
	return nil
}

// HandleInvoiceFailed marks the subscription past_due. Invoice events own
// this transition; standalone charge failures never change status.
func (r *Reconciler) HandleInvoiceFailed(ctx context.Context, inv *stripe.Invoice) error {
	if inv.Subscription == nil {
		return nil
	}
	sub, err := r.store.GetSubscriptionByStripeID(ctx, inv.Subscription.ID)
	if err != nil {
		return fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil {
		r.logger.Warn("failed invoice for unknown subscription", "invoice", inv.ID)
		return nil
	}

	if _, err := r.store.InsertPaymentIfNew(ctx, &store.PaymentRecord{
		ID:              uuid.New().String(),
		AccountID:       sub.AccountID,
		AmountCents:     inv.AmountDue,
		Currency:        string(inv.Currency),
		Status:          store.PaymentFailed,
		Description:     "Pro subscription payment failed",
		StripeInvoiceID: inv.ID,
		FailureReason:   "invoice payment failed",
		CreatedAt:       time.Now(),
	}); err != nil {
		return err
	}

	return r.store.UpdateSubscriptionStatus(ctx, inv.Subscription.ID, store.StatusPastDue, sub.CancelAt)
}

// HandleChargeFailed records a standalone charge failure. Charges attached to
// an invoice are skipped here because the invoice flow records them.
func (r *Reconciler) HandleChargeFailed(ctx context.Context, ch *stripe.Charge) error {
	if ch.Invoice != nil {
		return nil
	}
	if ch.Customer == nil {
		r.logger.Warn("failed charge without customer", "charge", ch.ID)
		return nil
	}
	sub, err := r.store.GetSubscriptionByStripeCustomer(ctx, ch.Customer.ID)
	if err != nil {
		return fmt.Errorf("resolve customer: %w", err)
	}
	if sub == nil {
		r.logger.Warn("failed charge for unknown customer", "charge", ch.ID, "customer", ch.Customer.ID)
		return nil
	}

	var intentID string
	if ch.PaymentIntent != nil {
		intentID = ch.PaymentIntent.ID
	}
	_, err = r.store.InsertPaymentIfNew(ctx, &store.PaymentRecord{
		ID:                    uuid.New().String(),
		AccountID:             sub.AccountID,
		AmountCents:           ch.Amount,
		Currency:              string(ch.Currency),
		Status:                store.PaymentFailed,
		Description:           "Payment failed",
		StripePaymentIntentID: intentID,
		StripeChargeID:        ch.ID,
		FailureReason:         ch.FailureMessage,
		CreatedAt:             time.Now(),
	})
	return err
}

// HandleSubscriptionUpdated maps the provider status vocabulary onto the
// internal one and advances the cycle when the provider supplies a new period.
func (r *Reconciler) HandleSubscriptionUpdated(ctx context.Context, sub *stripe.Subscription) error {
	local, err := r.store.GetSubscriptionByStripeID(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("get subscription: %w", err)
	}
	if local == nil {
		r.logger.Warn("update for unknown subscription", "subscription", sub.ID)
		return nil
	}

	// A later period start means a new cycle: counters reset with it. Usage
	// counters only ever decrease through this reset or an invoice reset.
	if sub.CurrentPeriodStart > 0 && sub.CurrentPeriodEnd > 0 {
		start := time.Unix(sub.CurrentPeriodStart, 0)
		end := time.Unix(sub.CurrentPeriodEnd, 0)
		if start.After(local.CurrentPeriodStart) {
			if err := r.store.ResetCycle(ctx, sub.ID, &start, &end); err != nil {
				return err
			}
		}
	}

	var cancelAt *time.Time
	if sub.CancelAt > 0 {
		t := time.Unix(sub.CancelAt, 0)
		cancelAt = &t
	} else if sub.CancelAtPeriodEnd && sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0)
		cancelAt = &t
	}

	return r.store.UpdateSubscriptionStatus(ctx, sub.ID, mapProviderStatus(sub.Status), cancelAt)
}

// HandleSubscriptionDeleted is the terminal transition: back to the free
// plan with all cycle and add-on counters zeroed.
func (r *Reconciler) HandleSubscriptionDeleted(ctx context.Context, sub *stripe.Subscription) error {
	local, err := r.store.GetSubscriptionByStripeID(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("get subscription: %w", err)
	}
	if local == nil {
		r.logger.Warn("delete for unknown subscription", "subscription", sub.ID)
		return nil
	}

	if err := r.store.DowngradeToFree(ctx, sub.ID, PlanFree); err != nil {
		return err
	}

	r.audit(ctx, local.AccountID, "subscription.canceled", map[string]string{"subscription": sub.ID})
	return nil
}

func (r *Reconciler) audit(ctx context.Context, accountID, action string, detail map[string]string) {
	var raw json.RawMessage
	if detail != nil {
		raw, _ = json.Marshal(detail)
	}
	if err := r.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID:        uuid.New().String(),
		Action:    action,
		AccountID: accountID,
		Detail:    raw,
		CreatedAt: time.Now(),
	}); err != nil {
		r.logger.Warn("failed to log audit event", "action", action, "error", err)
	}
}

// mapProviderStatus folds Stripe's status vocabulary onto the five internal
// states.
func mapProviderStatus(s stripe.SubscriptionStatus) string {
	switch s {
	case stripe.SubscriptionStatusActive:
		return store.StatusActive
	case stripe.SubscriptionStatusTrialing:
		return store.StatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncomplete:
		return store.StatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return store.StatusCanceled
	case stripe.SubscriptionStatusPaused:
		return store.StatusPaused
	default:
		return store.StatusPastDue
	}
}

// periodFromCheckoutSession extracts the billing window when the session's
// subscription object carries one.
func periodFromCheckoutSession(cs *stripe.CheckoutSession) (time.Time, time.Time, bool) {
	if cs.Subscription != nil && cs.Subscription.CurrentPeriodStart > 0 && cs.Subscription.CurrentPeriodEnd > 0 {
		return time.Unix(cs.Subscription.CurrentPeriodStart, 0),
			time.Unix(cs.Subscription.CurrentPeriodEnd, 0), true
	}
	return time.Time{}, time.Time{}, false
}

// periodFromInvoice extracts the billing window from an invoice. The period
// has moved between provider API versions: newer payloads carry it on the
// subscription line item, older ones on the invoice itself. Each location is
// tried in turn; when neither is present the caller gets an explicit
// "period unknown" instead of a guess.
func periodFromInvoice(inv *stripe.Invoice) (time.Time, time.Time, bool) {
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line.Period != nil && line.Period.Start > 0 && line.Period.End > 0 && line.Period.End > line.Period.Start {
				return time.Unix(line.Period.Start, 0), time.Unix(line.Period.End, 0), true
			}
		}
	}
	if inv.PeriodStart > 0 && inv.PeriodEnd > 0 && inv.PeriodEnd > inv.PeriodStart {
		return time.Unix(inv.PeriodStart, 0), time.Unix(inv.PeriodEnd, 0), true
	}
	return time.Time{}, time.Time{}, false
}

func oneTimeDescription(product string) string {
	if product == PlanAddon {
		return "Add-on analysis pack"
	}
	return "Single analysis"
}
