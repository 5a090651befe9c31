// Package billing implements the entitlement ledger: the quota gate, the
// usage recorder, the Stripe checkout/portal services, and the webhook event
// reconciler.
package billing

import "time"

// Plan types. "free" and "pro" are subscription plans; "single" and "addon"
// are one-time purchases.
const (
	PlanFree   = "free"
	PlanSingle = "single"
	PlanPro    = "pro"
	PlanAddon  = "addon"
)

// MaxAddonPacksPerCycle caps add-on purchases within one billing cycle.
const MaxAddonPacksPerCycle = 2

// WelcomeBonusCap bounds the add-on credits granted when a free account
// upgrades, regardless of how many free analyses it actually used.
const WelcomeBonusCap = 2

// farFuture is the cycle end used for free-plan subscriptions, which have no
// real billing period.
var farFuture = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)

// PlanLimits defines the allowance attached to a plan.
type PlanLimits struct {
	Allowance  int   // analyses included
	IsLifetime bool  // lifetime allowance instead of per-cycle
	PriceCents int64 // display price; Stripe prices are authoritative
}

// Plans maps plan names to their limits.
var Plans = map[string]PlanLimits{
	PlanFree:   {Allowance: 2, IsLifetime: true},
	PlanSingle: {Allowance: 1, PriceCents: 499},
	PlanPro:    {Allowance: 20, PriceCents: 1499},
	PlanAddon:  {Allowance: 10, PriceCents: 999},
}

// GetLimits returns the limits for a plan, defaulting to free for unknown plans.
func GetLimits(plan string) PlanLimits {
	if l, ok := Plans[plan]; ok {
		return l
	}
	return Plans[PlanFree]
}
