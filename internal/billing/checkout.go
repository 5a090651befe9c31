package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/masteringready/masteringready/internal/config"
	"github.com/masteringready/masteringready/internal/store"
)

// ErrMaxAddonPacks is returned when an account tries to buy a third add-on
// pack inside one billing cycle.
var ErrMaxAddonPacks = fmt.Errorf("maximum add-on packs reached for this billing cycle")

// ErrNoActiveSubscription is returned when an add-on is requested without an
// entitling subscription to attach it to.
var ErrNoActiveSubscription = fmt.Errorf("add-on packs require an active Pro subscription")

// ErrBillingNotConfigured is returned when the server runs without a Stripe
// secret key, so checkout and portal endpoints fail cleanly instead of
// dereferencing a nil client.
var ErrBillingNotConfigured = fmt.Errorf("billing is not configured on this server")

// StripeClient is the slice of the Stripe API the checkout service uses.
// Tests substitute a fake; production wraps client.API.
type StripeClient interface {
	NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	NewPortalSession(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

type apiClient struct {
	sc *client.API
}

// NewAPIClient wraps the official Stripe client with the StripeClient
// interface.
func NewAPIClient(secretKey string) StripeClient {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &apiClient{sc: sc}
}

func (c *apiClient) NewCheckoutSession(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return c.sc.CheckoutSessions.New(params)
}

func (c *apiClient) NewPortalSession(params *stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error) {
	return c.sc.BillingPortalSessions.New(params)
}

// CheckoutService creates Stripe checkout and billing portal sessions with
// the product preconditions enforced server-side.
type CheckoutService struct {
	client         StripeClient
	store          store.Store
	cfg            config.BillingConfig
	defaultCountry string
	logger         *slog.Logger
}

// NewCheckoutService creates a CheckoutService.
func NewCheckoutService(c StripeClient, s store.Store, cfg config.BillingConfig, defaultCountry string, logger *slog.Logger) *CheckoutService {
	return &CheckoutService{
		client:         c,
		store:          s,
		cfg:            cfg,
		defaultCountry: defaultCountry,
		logger:         logger.With("component", "checkout"),
	}
}

// CreateCheckout starts a checkout session for one of the purchasable
// products and returns the session URL and id. The account id and product
// name travel in the session metadata so the webhook reconciler can attribute
// the payment without trusting the client. Country comes from server
// configuration, never from the request.
func (s *CheckoutService) CreateCheckout(ctx context.Context, accountID, email, product string) (string, string, error) {
	if s.client == nil {
		return "", "", ErrBillingNotConfigured
	}
	priceID, mode, err := s.productPrice(product)
	if err != nil {
		return "", "", err
	}

	if product == PlanAddon {
		sub, err := s.store.GetSubscription(ctx, accountID)
		if err != nil {
			return "", "", fmt.Errorf("get subscription: %w", err)
		}
		if !subscriptionEntitled(sub) {
			return "", "", ErrNoActiveSubscription
		}
		if sub.AddonPacksThisCycle >= MaxAddonPacksPerCycle {
			return "", "", ErrMaxAddonPacks
		}
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(mode),
		SuccessURL: stripe.String(s.cfg.CheckoutSuccessURL),
		CancelURL:  stripe.String(s.cfg.CheckoutCancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
	}
	if email != "" {
		params.CustomerEmail = stripe.String(email)
	}
	params.AddMetadata(MetaAccountID, accountID)
	params.AddMetadata(MetaProduct, product)
	if s.defaultCountry != "" {
		// Country is pinned server-side for tax purposes; the client never
		// chooses it.
		params.AddMetadata("country", s.defaultCountry)
	}

	cs, err := s.client.NewCheckoutSession(params)
	if err != nil {
		return "", "", fmt.Errorf("create checkout session: %w", err)
	}

	s.logger.Info("checkout session created", "account", accountID, "product", product, "session", cs.ID)
	return cs.URL, cs.ID, nil
}

// CreatePortal starts a billing portal session for the account. The return
// URL origin is validated against the configured allow-list; anything else
// falls back to the default origin so a forged Origin header can't redirect
// the user off-site.
func (s *CheckoutService) CreatePortal(ctx context.Context, accountID, origin string) (string, error) {
	if s.client == nil {
		return "", ErrBillingNotConfigured
	}
	sub, err := s.store.GetSubscription(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("get subscription: %w", err)
	}
	if sub == nil || sub.StripeCustomerID == "" {
		return "", fmt.Errorf("no billing history for this account")
	}

	returnOrigin := s.cfg.PortalDefaultOrigin
	for _, allowed := range s.cfg.PortalAllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			returnOrigin = origin
			break
		}
	}

	ps, err := s.client.NewPortalSession(&stripe.BillingPortalSessionParams{
		Customer:  stripe.String(sub.StripeCustomerID),
		ReturnURL: stripe.String(returnOrigin + "/account"),
	})
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return ps.URL, nil
}

func (s *CheckoutService) productPrice(product string) (priceID, mode string, err error) {
	switch product {
	case PlanSingle:
		return s.cfg.StripePriceSingle, string(stripe.CheckoutSessionModePayment), nil
	case PlanPro:
		return s.cfg.StripePricePro, string(stripe.CheckoutSessionModeSubscription), nil
	case PlanAddon:
		return s.cfg.StripePriceAddon, string(stripe.CheckoutSessionModePayment), nil
	default:
		return "", "", fmt.Errorf("unknown product %q", product)
	}
}
