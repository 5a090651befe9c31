package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/masteringready/masteringready/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, *Ledger, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return NewReconciler(s, testLogger()), NewLedger(s, testLogger()), s
}

func proCheckoutSession(accountID, subID string, periodStart, periodEnd int64) *stripe.CheckoutSession {
	cs := &stripe.CheckoutSession{
		ID:       "cs_" + accountID,
		Metadata: map[string]string{MetaAccountID: accountID, MetaProduct: PlanPro},
		Customer: &stripe.Customer{ID: "cus_" + accountID},
	}
	if subID != "" {
		cs.Subscription = &stripe.Subscription{
			ID:                 subID,
			CurrentPeriodStart: periodStart,
			CurrentPeriodEnd:   periodEnd,
		}
	}
	return cs
}

func TestCheckoutCompletedSubscription(t *testing.T) {
	rec, ledger, s := newTestReconciler(t)
	ctx := context.Background()

	if err := ledger.EnsureAccount(ctx, "acct-1", "a@example.com", false); err != nil {
		t.Fatal(err)
	}
	// One free analysis already spent: the upgrade refunds it as a bonus.
	if _, err := s.IncrementLifetimeUsed(ctx, "acct-1", 2); err != nil {
		t.Fatal(err)
	}

	start := time.Now().Unix()
	end := time.Now().Add(30 * 24 * time.Hour).Unix()
	if err := rec.HandleCheckoutCompleted(ctx, proCheckoutSession("acct-1", "sub_1", start, end)); err != nil {
		t.Fatalf("HandleCheckoutCompleted: %v", err)
	}

	sub, err := s.GetSubscription(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if sub.Plan != PlanPro {
		t.Errorf("Plan: got %q, want pro", sub.Plan)
	}
	if sub.Status != store.StatusActive {
		t.Errorf("Status: got %q, want active", sub.Status)
	}
	if sub.StripeSubscriptionID != "sub_1" {
		t.Errorf("StripeSubscriptionID: got %q", sub.StripeSubscriptionID)
	}
	if sub.AddonAnalysesRemaining != 1 {
		t.Errorf("welcome bonus: got %d, want 1", sub.AddonAnalysesRemaining)
	}
	if sub.AnalysesUsedThisCycle != 0 {
		t.Errorf("cycle usage: got %d, want 0", sub.AnalysesUsedThisCycle)
	}

	// No payment record here: the invoice event owns it.
	payments, _ := s.ListPayments(ctx, "acct-1", 10)
	if len(payments) != 0 {
		t.Errorf("payment records after checkout: got %d, want 0", len(payments))
	}
}

func TestCheckoutCompletedWelcomeBonusCapped(t *testing.T) {
	rec, _, s := newTestReconciler(t)
	ctx := context.Background()

	if err := s.EnsureAccount(ctx, &store.Account{
		ID: "acct-2", Email: "b@example.com", LifetimeAnalysesUsed: 5, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	if err := rec.HandleCheckoutCompleted(ctx, proCheckoutSession("acct-2", "sub_2", 0, 0)); err != nil {
		t.Fatal(err)
	}

	sub, _ := s.GetSubscription(ctx, "acct-2")
	if sub.AddonAnalysesRemaining != WelcomeBonusCap {
		t.Errorf("bonus: got %d, want %d", sub.AddonAnalysesRemaining, WelcomeBonusCap)
	}
	// No provider period in the session: a ~30 day fallback window is used.
	if d := time.Until(sub.CurrentPeriodEnd); d < 29*24*time.Hour || d > 31*24*time.Hour {
		t.Errorf("fallback period end %v not ~30d out", sub.CurrentPeriodEnd)
	}
}

func TestCheckoutCompletedReplayIsIdempotent(t *testing.T) {
	rec, ledger, s := newTestReconciler(t)
	ctx := context.Background()

	if err := ledger.EnsureAccount(ctx, "acct-3", "c@example.com", false); err != nil {
		t.Fatal(err)
	}

	cs := &stripe.CheckoutSession{
		ID:            "cs_once",
		Metadata:      map[string]string{MetaAccountID: "acct-3", MetaProduct: PlanSingle},
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_once"},
		AmountTotal:   499,
		Currency:      stripe.Currency("eur"),
	}

	for i := 0; i < 2; i++ {
		if err := rec.HandleCheckoutCompleted(ctx, cs); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	purchases, err := s.ListOpenPurchases(ctx, "acct-3", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(purchases) != 1 {
		t.Fatalf("purchases after replay: got %d, want 1", len(purchases))
	}
	if purchases[0].AnalysesGranted != 1 {
		t.Errorf("granted: got %d, want 1", purchases[0].AnalysesGranted)
	}

	payments, _ := s.ListPayments(ctx, "acct-3", 10)
	if len(payments) != 1 {
		t.Errorf("payment records after replay: got %d, want 1", len(payments))
	}
}

func TestAddonCheckoutRequiresActiveSubscription(t *testing.T) {
	rec, ledger, s := newTestReconciler(t)
	ctx := context.Background()

	if err := ledger.EnsureAccount(ctx, "acct-4", "d@example.com", false); err != nil {
		t.Fatal(err)
	}

	cs := &stripe.CheckoutSession{
		ID:            "cs_addon",
		Metadata:      map[string]string{MetaAccountID: "acct-4", MetaProduct: PlanAddon},
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_addon"},
		AmountTotal:   999,
		Currency:      stripe.Currency("eur"),
	}

	// Free account: payment is recorded, but no credits are granted.
	if err := rec.HandleCheckoutCompleted(ctx, cs); err != nil {
		t.Fatal(err)
	}
	sub, _ := s.GetSubscription(ctx, "acct-4")
	if sub.AddonAnalysesRemaining != 0 || sub.AddonPacksThisCycle != 0 {
		t.Errorf("credits granted without subscription: %+v", sub)
	}
	if purchases, _ := s.ListOpenPurchases(ctx, "acct-4", time.Now()); len(purchases) != 0 {
		t.Error("purchase created without subscription")
	}
}

func TestAddonCheckoutGrantsCreditsWithCycleExpiry(t *testing.T) {
	rec, ledger, s := newTestReconciler(t)
	ctx := context.Background()

	if err := ledger.EnsureAccount(ctx, "acct-5", "e@example.com", false); err != nil {
		t.Fatal(err)
	}
	upgradeToPro(t, s, "acct-5")
	proSub, _ := s.GetSubscription(ctx, "acct-5")

	cs := &stripe.CheckoutSession{
		ID:            "cs_addon2",
		Metadata:      map[string]string{MetaAccountID: "acct-5", MetaProduct: PlanAddon},
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_addon2"},
		AmountTotal:   999,
		Currency:      stripe.Currency("eur"),
	}
	if err := rec.HandleCheckoutCompleted(ctx, cs); err != nil {
		t.Fatal(err)
	}

	sub, _ := s.GetSubscription(ctx, "acct-5")
	if sub.AddonAnalysesRemaining != 10 {
		t.Errorf("addon credits: got %d, want 10", sub.AddonAnalysesRemaining)
	}
	if sub.AddonPacksThisCycle != 1 {
		t.Errorf("packs this cycle: got %d, want 1", sub.AddonPacksThisCycle)
	}

	purchases, _ := s.ListOpenPurchases(ctx, "acct-5", time.Now())
	if len(purchases) != 1 {
		t.Fatalf("purchases: got %d, want 1", len(purchases))
	}
	if purchases[0].ExpiresAt == nil {
		t.Fatal("add-on purchase has no expiry")
	}
	if !purchases[0].ExpiresAt.Equal(proSub.CurrentPeriodEnd) {
		t.Errorf("expiry %v != cycle end %v", purchases[0].ExpiresAt, proSub.CurrentPeriodEnd)
	}
}

func invoiceFor(subID, invoiceID, intentID string, periodStart, periodEnd int64) *stripe.Invoice {
	return &stripe.Invoice{
		ID:           invoiceID,
		Subscription: &stripe.Subscription{ID: subID},
		PaymentIntent: &stripe.PaymentIntent{
			ID: intentID,
		},
		AmountPaid: 1499,
		AmountDue:  1499,
		Currency:   stripe.Currency("eur"),
		Lines: &stripe.InvoiceLineItemList{
			Data: []*stripe.InvoiceLineItem{
				{Period: &stripe.Period{Start: periodStart, End: periodEnd}},
			},
		},
	}
}

func TestInvoicePaidResetsCycle(t *testing.T) {
	rec, ledger, s := newTestReconciler(t)
	ctx := context.Background()

	if err := ledger.EnsureAccount(ctx, "acct-6", "f@example.com", false); err != nil {
		t.Fatal(err)
	}
	upgradeToPro(t, s, "acct-6")
	for i := 0; i < 5; i++ {
		if _, err := s.IncrementCycleUsage(ctx, "acct-6", 20); err != nil {
			t.Fatal(err)
		}
	}

	start := time.Now().Unix()
	end := time.Now().Add(30 * 24 * time.Hour).Unix()
	inv := invoiceFor("sub_acct-6", "in_1", "pi_inv1", start, end)
	if err := rec.HandleInvoicePaid(ctx, inv); err != nil {
		t.Fatalf("HandleInvoicePaid: %v", err)
	}

	sub, _ := s.GetSubscription(ctx, "acct-6")
	if sub.AnalysesUsedThisCycle != 0 {
		t.Errorf("cycle usage after reset: got %d, want 0", sub.AnalysesUsedThisCycle)
	}
	if sub.Status != store.StatusActive {
		t.Errorf("Status: got %q, want active", sub.Status)
	}

	payments, _ := s.ListPayments(ctx, "acct-6", 10)
	if len(payments) != 1 {
		t.Fatalf("payments: got %d, want 1", len(payments))
	}
	if payments[0].Status != store.PaymentSucceeded {
		t.Errorf("payment status: got %q", payments[0].Status)
	}
}

func TestInvoicePaidReplayDoesNotResetAgain(t *testing.T) {
	rec, ledger, s := newTestReconciler(t)
	ctx := context.Background()

	if err := ledger.EnsureAccount(ctx, "acct-7", "g@example.com", false); err != nil {
		t.Fatal(err)
	}
	upgradeToPro(t, s, "acct-7")

	start := time.Now().Unix()
	end := time.Now().Add(30 * 24 * time.Hour).Unix()
	inv := invoiceFor("sub_acct-7", "in_2", "pi_inv2", start, end)
	if err := rec.HandleInvoicePaid(ctx, inv); err != nil {
		t.Fatal(err)
	}

	// Usage happens between the first delivery and the replay.
	if _, err := s.IncrementCycleUsage(ctx, "acct-7", 20); err != nil {
		t.Fatal(err)
	}

	if err := rec.HandleInvoicePaid(ctx, inv); err != nil {
		t.Fatal(err)
	}

	sub, _ := s.GetSubscription(ctx, "acct-7")
	if sub.AnalysesUsedThisCycle != 1 {
		t.Errorf("replay reset the cycle: used=%d, want 1", sub.AnalysesUsedThisCycle)
	}
	payments, _ := s.ListPayments(ctx, "acct-7", 10)
	if len(payments) != 1 {
		t.Errorf("payments after replay: got %d, want 1", len(payments))
	}
}

func TestInvoicePaidAfterFailureReactivates(t *testing.T) {
	rec, ledger, s := newTestReconciler(t)
	ctx := context.Background()

	if err := ledger.EnsureAccount(ctx, "acct-14", "n@example.com", false); err != nil {
		t.Fatal(err)
	}
	upgradeToPro(t, s, "acct-14")

	// Dunning: the invoice fails first, then the retried charge on the same
	// invoice succeeds with a fresh period.
	failed := invoiceFor("sub_acct-14", "in_retry", "", 0, 0)
	failed.PaymentIntent = nil
	if err := rec.HandleInvoiceFailed(ctx, failed); err != nil {
		t.Fatal(err)
	}
	if sub, _ := s.GetSubscription(ctx, "acct-14"); sub.Status != store.StatusPastDue {
		t.Fatalf("Status after failure: got %q, want past_due", sub.Status)
	}

	start := time.Now().Add(time.Hour).Unix()
	end := time.Now().Add(31 * 24 * time.Hour).Unix()
	paid := invoiceFor("sub_acct-14", "in_retry", "pi_retry", start, end)
	if err := rec.HandleInvoicePaid(ctx, paid); err != nil {
		t.Fatalf("HandleInvoicePaid: %v", err)
	}

	sub, _ := s.GetSubscription(ctx, "acct-14")
	if sub.Status != store.StatusActive {
		t.Errorf("Status after recovery: got %q, want active", sub.Status)
	}
	if sub.CurrentPeriodStart.Unix() != start {
		t.Errorf("period not advanced: %v", sub.CurrentPeriodStart)
	}

	// Both the failure and the success stay on the payment history.
	payments, _ := s.ListPayments(ctx, "acct-14", 10)
	if len(payments) != 2 {
		t.Fatalf("payments: got %d, want 2", len(payments))
	}
}

func TestInvoicePaidReplayStillReactivates(t *testing.T) {
	rec, ledger, s := newTestReconciler(t)
	ctx := context.Background()

	if err := ledger.EnsureAccount(ctx, "acct-15", "o@example.com", false); err != nil {
		t.Fatal(err)
	}
	upgradeToPro(t, s, "acct-15")

	start := time.Now().Unix()
	end := time.Now().Add(30 * 24 * time.Hour).Unix()
	inv := invoiceFor("sub_acct-15", "in_4", "pi_inv4", start, end)
	if err := rec.HandleInvoicePaid(ctx, inv); err != nil {
		t.Fatal(err)
	}

	// The subscription lapses between the first delivery and the replay; the
	// replay must bring it back even though the payment is already recorded.
	if err := s.UpdateSubscriptionStatus(ctx, "sub_acct-15", store.StatusPastDue, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.IncrementCycleUsage(ctx, "acct-15", 20); err != nil {
		t.Fatal(err)
	}

	if err := rec.HandleInvoicePaid(ctx, inv); err != nil {
		t.Fatal(err)
	}

	sub, _ := s.GetSubscription(ctx, "acct-15")
	if sub.Status != store.StatusActive {
		t.Errorf("Status after replay: got %q, want active", sub.Status)
	}
	if sub.AnalysesUsedThisCycle != 1 {
		t.Errorf("replay reset the cycle: used=%d, want 1", sub.AnalysesUsedThisCycle)
	}
}

// flakyStore fails the first RecordOneTimePurchase to simulate a webhook
// handler dying mid-delivery.
type flakyStore struct {
	store.Store
	failures int
}

func (f *flakyStore) RecordOneTimePurchase(ctx context.Context, rec *store.PaymentRecord, p *store.Purchase, addonCredits int) (bool, error) {
	if f.failures > 0 {
		f.failures--
		return false, errors.New("connection reset")
	}
	return f.Store.RecordOneTimePurchase(ctx, rec, p, addonCredits)
}

func TestOneTimeCheckoutRetryAfterStoreError(t *testing.T) {
	_, ledger, s := newTestReconciler(t)
	ctx := context.Background()
	rec := NewReconciler(&flakyStore{Store: s, failures: 1}, testLogger())

	if err := ledger.EnsureAccount(ctx, "acct-16", "p@example.com", false); err != nil {
		t.Fatal(err)
	}

	cs := &stripe.CheckoutSession{
		ID:            "cs_retry",
		Metadata:      map[string]string{MetaAccountID: "acct-16", MetaProduct: PlanSingle},
		PaymentIntent: &stripe.PaymentIntent{ID: "pi_retry2"},
		AmountTotal:   499,
		Currency:      stripe.Currency("eur"),
	}

	if err := rec.HandleCheckoutCompleted(ctx, cs); err == nil {
		t.Fatal("first delivery succeeded despite store error")
	}
	// Nothing half-applied: no payment record, no purchase.
	if payments, _ := s.ListPayments(ctx, "acct-16", 10); len(payments) != 0 {
		t.Fatalf("payments after failed delivery: got %d, want 0", len(payments))
	}

	// Stripe redelivers; the whole grant runs this time.
	if err := rec.HandleCheckoutCompleted(ctx, cs); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	purchases, _ := s.ListOpenPurchases(ctx, "acct-16", time.Now())
	if len(purchases) != 1 {
		t.Fatalf("purchases after redelivery: got %d, want 1", len(purchases))
	}
	if payments, _ := s.ListPayments(ctx, "acct-16", 10); len(payments) != 1 {
		t.Fatalf("payments after redelivery: got %d, want 1", len(payments))
	}
}

func TestInvoiceFailedMarksPastDue(t *testing.T) {
	rec, ledger, s := newTestReconciler(t)
	ctx := context.Background()

	if err := ledger.EnsureAccount(ctx, "acct-8", "h@example.com", false); err != nil {
		t.Fatal(err)
	}
	upgradeToPro(t, s, "acct-8")

	inv := invoiceFor("sub_acct-8", "in_3", "", 0, 0)
	inv.PaymentIntent = nil
	if err := rec.HandleInvoiceFailed(ctx, inv); err != nil {
		t.Fatalf("HandleInvoiceFailed: %v", err)
	}

	sub, _ := s.GetSubscription(ctx, "acct-8")
	if sub.Status != store.StatusPastDue {
		t.Errorf("Status: got %q, want past_due", sub.Status)
	}

	payments, _ := s.ListPayments(ctx, "acct-8", 10)
	if len(payments) != 1 {
		t.Fatalf("payments: got %d, want 1", len(payments))
	}
	if payments[0].Status != store.PaymentFailed {
		t.Errorf("payment status: got %q, want failed", payments[0].Status)
	}
}

func TestChargeFailedStandalone(t *testing.T) {
	rec, ledger, s := newTestReconciler(t)
	ctx := context.Background()

	if err := ledger.EnsureAccount(ctx, "acct-9", "i@example.com", false); err != nil {
		t.Fatal(err)
	}
	upgradeToPro(t, s, "acct-9")
	sub, _ := s.GetSubscription(ctx, "acct-9")

	ch := &stripe.Charge{
		ID:             "ch_1",
		Customer:       &stripe.Customer{ID: sub.StripeCustomerID},
		Amount:         999,
		Currency:       stripe.Currency("eur"),
		FailureMessage: "card_declined",
	}
	if err := rec.HandleChargeFailed(ctx, ch); err != nil {
		t.Fatalf("HandleChargeFailed: %v", err)
	}

	payments, _ := s.ListPayments(ctx, "acct-9", 10)
	if len(payments) != 1 {
		t.Fatalf("payments: got %d, want 1", len(payments))
	}
	if payments[0].FailureReason != "card_declined" {
		t.Errorf("failure reason: got %q", payments[0].FailureReason)
	}

	// A charge failure never changes subscription status; invoices own that.
	after, _ := s.GetSubscription(ctx, "acct-9")
	if after.Status != store.StatusActive {
		t.Errorf("Status changed by charge event: %q", after.Status)
	}
}

func TestChargeFailedWithInvoiceIsSkipped(t *testing.T) {
	rec, ledger, s := newTestReconciler(t)
	ctx := context.Background()

	if err := ledger.EnsureAccount(ctx, "acct-10", "j@example.com", false); err != nil {
		t.Fatal(err)
	}
	upgradeToPro(t, s, "acct-10")
	sub, _ := s.GetSubscription(ctx, "acct-10")

	ch := &stripe.Charge{
		ID:       "ch_2",
		Customer: &stripe.Customer{ID: sub.StripeCustomerID},
		Invoice:  &stripe.Invoice{ID: "in_owned"},
	}
	if err := rec.HandleChargeFailed(ctx, ch); err != nil {
		t.Fatal(err)
	}

	payments, _ := s.ListPayments(ctx, "acct-10", 10)
	if len(payments) != 0 {
		t.Error("invoice-attached charge recorded a standalone payment")
	}
}

func TestSubscriptionUpdatedStatusMapping(t *testing.T) {
	tests := []struct {
		provider stripe.SubscriptionStatus
		want     string
	}{
		{stripe.SubscriptionStatusActive, store.StatusActive},
		{stripe.SubscriptionStatusTrialing, store.StatusTrialing},
		{stripe.SubscriptionStatusPastDue, store.StatusPastDue},
		{stripe.SubscriptionStatusUnpaid, store.StatusPastDue},
		{stripe.SubscriptionStatusCanceled, store.StatusCanceled},
		{stripe.SubscriptionStatusPaused, store.StatusPaused},
	}
	for _, tt := range tests {
		if got := mapProviderStatus(tt.provider); got != tt.want {
			t.Errorf("mapProviderStatus(%q): got %q, want %q", tt.provider, got, tt.want)
		}
	}
}

func TestSubscriptionUpdatedResetsOnNewPeriodOnly(t *testing.T) {
	rec, ledger, s := newTestReconciler(t)
	ctx := context.Background()

	if err := ledger.EnsureAccount(ctx, "acct-11", "k@example.com", false); err != nil {
		t.Fatal(err)
	}
	upgradeToPro(t, s, "acct-11")
	local, _ := s.GetSubscription(ctx, "acct-11")
	if _, err := s.IncrementCycleUsage(ctx, "acct-11", 20); err != nil {
		t.Fatal(err)
	}

	// Update within the same period: usage survives.
	same := &stripe.Subscription{
		ID:                 "sub_acct-11",
		Status:             stripe.SubscriptionStatusActive,
		CurrentPeriodStart: local.CurrentPeriodStart.Unix(),
		CurrentPeriodEnd:   local.CurrentPeriodEnd.Unix(),
	}
	if err := rec.HandleSubscriptionUpdated(ctx, same); err != nil {
		t.Fatal(err)
	}
	sub, _ := s.GetSubscription(ctx, "acct-11")
	if sub.AnalysesUsedThisCycle != 1 {
		t.Errorf("same-period update reset usage: %d", sub.AnalysesUsedThisCycle)
	}

	// Period advanced: new cycle, counters reset.
	next := &stripe.Subscription{
		ID:                 "sub_acct-11",
		Status:             stripe.SubscriptionStatusActive,
		CurrentPeriodStart: local.CurrentPeriodEnd.Unix(),
		CurrentPeriodEnd:   local.CurrentPeriodEnd.Add(30 * 24 * time.Hour).Unix(),
	}
	if err := rec.HandleSubscriptionUpdated(ctx, next); err != nil {
		t.Fatal(err)
	}
	sub, _ = s.GetSubscription(ctx, "acct-11")
	if sub.AnalysesUsedThisCycle != 0 {
		t.Errorf("new-period update kept usage: %d", sub.AnalysesUsedThisCycle)
	}
}

func TestSubscriptionUpdatedCancelAtPeriodEnd(t *testing.T) {
	rec, ledger, s := newTestReconciler(t)
	ctx := context.Background()

	if err := ledger.EnsureAccount(ctx, "acct-12", "l@example.com", false); err != nil {
		t.Fatal(err)
	}
	upgradeToPro(t, s, "acct-12")
	local, _ := s.GetSubscription(ctx, "acct-12")

	upd := &stripe.Subscription{
		ID:                 "sub_acct-12",
		Status:             stripe.SubscriptionStatusActive,
		CancelAtPeriodEnd:  true,
		CurrentPeriodStart: local.CurrentPeriodStart.Unix(),
		CurrentPeriodEnd:   local.CurrentPeriodEnd.Unix(),
	}
	if err := rec.HandleSubscriptionUpdated(ctx, upd); err != nil {
		t.Fatal(err)
	}

	sub, _ := s.GetSubscription(ctx, "acct-12")
	if sub.CancelAt == nil {
		t.Fatal("CancelAt not set")
	}
	if sub.CancelAt.Unix() != local.CurrentPeriodEnd.Unix() {
		t.Errorf("CancelAt %v != period end %v", sub.CancelAt, local.CurrentPeriodEnd)
	}
}

func TestSubscriptionDeletedDowngradesToFree(t *testing.T) {
	rec, ledger, s := newTestReconciler(t)
	ctx := context.Background()

	if err := ledger.EnsureAccount(ctx, "acct-13", "m@example.com", false); err != nil {
		t.Fatal(err)
	}
	upgradeToPro(t, s, "acct-13")

	if err := rec.HandleSubscriptionDeleted(ctx, &stripe.Subscription{ID: "sub_acct-13"}); err != nil {
		t.Fatalf("HandleSubscriptionDeleted: %v", err)
	}

	sub, _ := s.GetSubscription(ctx, "acct-13")
	if sub.Plan != PlanFree {
		t.Errorf("Plan: got %q, want free", sub.Plan)
	}
	if sub.StripeSubscriptionID != "" {
		t.Errorf("stripe id not cleared: %q", sub.StripeSubscriptionID)
	}

	// Unknown subscription: logged and dropped, not an error.
	if err := rec.HandleSubscriptionDeleted(ctx, &stripe.Subscription{ID: "sub_ghost"}); err != nil {
		t.Errorf("unknown subscription returned error: %v", err)
	}
}
