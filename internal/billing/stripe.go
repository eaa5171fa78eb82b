// Package billing provides the Stripe client used by the checkout
// orchestrator and the webhook reconciler. It owns every outbound call to
// the payment processor; tenant state is never mutated here, that only
// happens once the processor confirms payment through the webhook feed.
package billing

import (
	"context"
	"fmt"

	"github.com/fleetdock/fleetdock/internal/domain"
	"github.com/stripe/stripe-go/v79"
	billingportalsession "github.com/stripe/stripe-go/v79/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	"github.com/stripe/stripe-go/v79/customer"
	"github.com/stripe/stripe-go/v79/subscription"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Metadata keys set on checkout sessions so the reconciler can resolve
// the tenant and intent without assuming any earlier event landed first.
const (
	MetaTenantID   = "tenant_id"
	MetaTargetPlan = "target_plan"
	MetaPurpose    = "purpose"

	PurposeCreditPurchase = "credit_purchase"
	PurposeUpgrade        = "plan_upgrade"
)

// BillingCycle selects monthly or yearly pricing for an upgrade.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// Service defines the payment-processor boundary.
type Service interface {
	// CreateCustomer creates a Stripe customer for the tenant.
	CreateCustomer(ctx context.Context, tenantID, name string) (string, error)

	// CreateSubscriptionCheckout creates a subscription-mode Checkout
	// session for a plan upgrade. Returns the URL to redirect to.
	CreateSubscriptionCheckout(ctx context.Context, p SubscriptionCheckoutParams) (string, error)

	// CreateCreditCheckout creates a payment-mode Checkout session for a
	// one-off credit purchase. Returns the URL to redirect to.
	CreateCreditCheckout(ctx context.Context, p CreditCheckoutParams) (string, error)

	// CreatePortalSession creates a Stripe Customer Portal session.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)

	// GetSubscription retrieves a Stripe subscription by ID.
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)

	// CancelSubscription sets a subscription to cancel at period end.
	CancelSubscription(ctx context.Context, subscriptionID string) error

	// ReactivateSubscription removes the cancel_at_period_end flag.
	ReactivateSubscription(ctx context.Context, subscriptionID string) error

	// VerifyWebhookSignature verifies the webhook signature and returns the event.
	VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error)

	// TierForPriceID returns the plan tier a Stripe price ID belongs to,
	// or empty when the price is unknown.
	TierForPriceID(priceID string) domain.PlanTier

	// PriceIDForPlan returns the configured price ID for a tier and cycle.
	PriceIDForPlan(tier domain.PlanTier, cycle BillingCycle) (string, error)
}

// SubscriptionCheckoutParams describes an upgrade checkout session.
type SubscriptionCheckoutParams struct {
	CustomerID string
	TenantID   string
	TargetPlan domain.PlanTier
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// CreditCheckoutParams describes a one-off credit purchase session.
type CreditCheckoutParams struct {
	CustomerID  string
	TenantID    string
	AmountCents int64
	Credits     int64 // display only; the grant is computed on webhook receipt
	SuccessURL  string
	CancelURL   string
}

// PriceConfig holds the Stripe price IDs for each purchasable plan.
type PriceConfig struct {
	StarterMonthlyPriceID      string
	StarterYearlyPriceID       string
	ProfessionalMonthlyPriceID string
	ProfessionalYearlyPriceID  string
}

// stripeService is the concrete implementation of Service.
type stripeService struct {
	webhookSecret string
	prices        PriceConfig
	priceToTier   map[string]domain.PlanTier
}

// NewStripeService creates a new Stripe billing service.
//
// The secretKey authenticates Stripe API calls. The webhookSecret verifies
// incoming webhook signatures. The prices map Stripe price IDs to tiers.
func NewStripeService(secretKey, webhookSecret string, prices PriceConfig) Service {
	stripe.Key = secretKey

	priceToTier := make(map[string]domain.PlanTier)
	if prices.StarterMonthlyPriceID != "" {
		priceToTier[prices.StarterMonthlyPriceID] = domain.PlanStarter
	}
	if prices.StarterYearlyPriceID != "" {
		priceToTier[prices.StarterYearlyPriceID] = domain.PlanStarter
	}
	if prices.ProfessionalMonthlyPriceID != "" {
		priceToTier[prices.ProfessionalMonthlyPriceID] = domain.PlanProfessional
	}
	if prices.ProfessionalYearlyPriceID != "" {
		priceToTier[prices.ProfessionalYearlyPriceID] = domain.PlanProfessional
	}

	return &stripeService{
		webhookSecret: webhookSecret,
		prices:        prices,
		priceToTier:   priceToTier,
	}
}

func (s *stripeService) CreateCustomer(ctx context.Context, tenantID, name string) (string, error) {
	params := &stripe.CustomerParams{
		Name: stripe.String(name),
		Metadata: map[string]string{
			MetaTenantID: tenantID,
		},
	}
	params.Context = ctx
	c, err := customer.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create customer: %w", err)
	}
	return c.ID, nil
}

func (s *stripeService) CreateSubscriptionCheckout(ctx context.Context, p SubscriptionCheckoutParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(p.CustomerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(p.TenantID),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		Metadata: map[string]string{
			MetaTenantID:   p.TenantID,
			MetaTargetPlan: string(p.TargetPlan),
			MetaPurpose:    PurposeUpgrade,
		},
	}
	params.Context = ctx
	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create checkout session: %w", err)
	}
	return sess.URL, nil
}

func (s *stripeService) CreateCreditCheckout(ctx context.Context, p CreditCheckoutParams) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Customer: stripe.String(p.CustomerID),
		Mode:     stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String("usd"),
					UnitAmount: stripe.Int64(p.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(fmt.Sprintf("%d AI extraction credits", p.Credits)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(p.TenantID),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		Metadata: map[string]string{
			MetaTenantID: p.TenantID,
			MetaPurpose:  PurposeCreditPurchase,
		},
	}
	params.Context = ctx
	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create credit checkout session: %w", err)
	}
	return sess.URL, nil
}

func (s *stripeService) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := billingportalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create portal session: %w", err)
	}
	return sess.URL, nil
}

func (s *stripeService) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe get subscription: %w", err)
	}
	return sub, nil
}

func (s *stripeService) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	}
	params.Context = ctx
	_, err := subscription.Update(subscriptionID, params)
	if err != nil {
		return fmt.Errorf("stripe cancel subscription: %w", err)
	}
	return nil
}

func (s *stripeService) ReactivateSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(false),
	}
	params.Context = ctx
	_, err := subscription.Update(subscriptionID, params)
	if err != nil {
		return fmt.Errorf("stripe reactivate subscription: %w", err)
	}
	return nil
}

func (s *stripeService) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return stripe.Event{}, fmt.Errorf("stripe webhook signature verification failed: %w", err)
	}
	return event, nil
}

func (s *stripeService) TierForPriceID(priceID string) domain.PlanTier {
	return s.priceToTier[priceID]
}

func (s *stripeService) PriceIDForPlan(tier domain.PlanTier, cycle BillingCycle) (string, error) {
	var id string
	switch {
	case tier == domain.PlanStarter && cycle == CycleMonthly:
		id = s.prices.StarterMonthlyPriceID
	case tier == domain.PlanStarter && cycle == CycleYearly:
		id = s.prices.StarterYearlyPriceID
	case tier == domain.PlanProfessional && cycle == CycleMonthly:
		id = s.prices.ProfessionalMonthlyPriceID
	case tier == domain.PlanProfessional && cycle == CycleYearly:
		id = s.prices.ProfessionalYearlyPriceID
	}
	if id == "" {
		return "", fmt.Errorf("no price configured for %s/%s", tier, cycle)
	}
	return id, nil
}
