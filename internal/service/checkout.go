// Package service contains the business logic layer.
//
// This file implements the checkout orchestrator. It creates payment
// processor sessions but never mutates plan or ledger state; those only
// change once the processor confirms payment through the webhook feed.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetdock/fleetdock/internal/billing"
	"github.com/fleetdock/fleetdock/internal/domain"
	"github.com/fleetdock/fleetdock/internal/metrics"
	"github.com/fleetdock/fleetdock/internal/repository"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// minCreditPurchaseCents keeps one-off purchases above the processor's
// minimum charge.
const minCreditPurchaseCents = 500

// CheckoutService starts payment flows against the external processor.
type CheckoutService interface {
	// StartUpgradeCheckout validates the upgrade path and returns a
	// checkout URL. Enterprise is rejected: it requires out-of-band
	// negotiation.
	StartUpgradeCheckout(ctx context.Context, tenantID uuid.UUID, target domain.PlanTier, cycle billing.BillingCycle) (string, error)

	// StartCreditPurchaseCheckout returns a checkout URL for a one-off
	// credit purchase. The credit quantity shown is display-only; the
	// grant happens on webhook confirmation.
	StartCreditPurchaseCheckout(ctx context.Context, tenantID uuid.UUID, amountCents int64) (string, error)

	// OpenPortal returns a customer-portal URL for self-serve management.
	OpenPortal(ctx context.Context, tenantID uuid.UUID) (string, error)

	// CancelAtPeriodEnd flags the subscription to cancel when the
	// current period ends. State changes land via the webhook feed.
	CancelAtPeriodEnd(ctx context.Context, tenantID uuid.UUID) error

	// Reactivate removes the cancel-at-period-end flag.
	Reactivate(ctx context.Context, tenantID uuid.UUID) error
}

type checkoutService struct {
	ledger   LedgerService
	accounts repository.AccountRepository
	billing  billing.Service
	baseURL  string
	timeout  time.Duration
	logger   *slog.Logger
}

// NewCheckoutService creates a new CheckoutService.
func NewCheckoutService(
	ledger LedgerService,
	accounts repository.AccountRepository,
	billingSvc billing.Service,
	baseURL string,
	timeout time.Duration,
	logger *slog.Logger,
) CheckoutService {
	return &checkoutService{
		ledger:   ledger,
		accounts: accounts,
		billing:  billingSvc,
		baseURL:  baseURL,
		timeout:  timeout,
		logger:   logger,
	}
}

func (s *checkoutService) StartUpgradeCheckout(ctx context.Context, tenantID uuid.UUID, target domain.PlanTier, cycle billing.BillingCycle) (string, error) {
	const op = "checkout.start_upgrade"

	if err := s.configured(op); err != nil {
		return "", err
	}
	account, err := s.ledger.EnsureAccount(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if !domain.IsUpgrade(account.Plan, target) {
		return "", domain.InvalidUpgradePath(op, account.Plan, target)
	}
	priceID, err := s.billing.PriceIDForPlan(target, cycle)
	if err != nil {
		return "", domain.Invalid(op, fmt.Sprintf("no price configured for %s/%s", target, cycle))
	}

	customerID, err := s.ensureCustomer(ctx, account)
	if err != nil {
		return "", err
	}

	var url string
	err = s.callProcessor(ctx, func(ctx context.Context) error {
		var err error
		url, err = s.billing.CreateSubscriptionCheckout(ctx, billing.SubscriptionCheckoutParams{
			CustomerID: customerID,
			TenantID:   tenantID.String(),
			TargetPlan: target,
			PriceID:    priceID,
			SuccessURL: s.baseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:  s.baseURL + "/billing",
		})
		return err
	})
	if err != nil {
		return "", domain.Unavailable(err, op, "payment processor unavailable, please retry")
	}

	metrics.CheckoutSessionsTotal.WithLabelValues("upgrade").Inc()
	s.logger.Info("upgrade checkout created", "tenant_id", tenantID, "target", target, "cycle", cycle)
	return url, nil
}

func (s *checkoutService) StartCreditPurchaseCheckout(ctx context.Context, tenantID uuid.UUID, amountCents int64) (string, error) {
	const op = "checkout.start_credit_purchase"

	if err := s.configured(op); err != nil {
		return "", err
	}
	if amountCents < minCreditPurchaseCents {
		return "", domain.Invalid(op, fmt.Sprintf("minimum credit purchase is %d cents", minCreditPurchaseCents))
	}

	account, err := s.ledger.EnsureAccount(ctx, tenantID)
	if err != nil {
		return "", err
	}
	customerID, err := s.ensureCustomer(ctx, account)
	if err != nil {
		return "", err
	}

	var url string
	err = s.callProcessor(ctx, func(ctx context.Context) error {
		var err error
		url, err = s.billing.CreateCreditCheckout(ctx, billing.CreditCheckoutParams{
			CustomerID:  customerID,
			TenantID:    tenantID.String(),
			AmountCents: amountCents,
			Credits:     domain.CreditsForAmount(amountCents),
			SuccessURL:  s.baseURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
			CancelURL:   s.baseURL + "/billing",
		})
		return err
	})
	if err != nil {
		return "", domain.Unavailable(err, op, "payment processor unavailable, please retry")
	}

	metrics.CheckoutSessionsTotal.WithLabelValues("credit_purchase").Inc()
	s.logger.Info("credit purchase checkout created", "tenant_id", tenantID, "amount_cents", amountCents)
	return url, nil
}

func (s *checkoutService) OpenPortal(ctx context.Context, tenantID uuid.UUID) (string, error) {
	const op = "checkout.open_portal"

	if err := s.configured(op); err != nil {
		return "", err
	}
	account, err := s.ledger.GetAccount(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if account.StripeCustomerID == "" {
		return "", domain.Conflict(op, "no billing customer exists for this tenant yet")
	}

	var url string
	err = s.callProcessor(ctx, func(ctx context.Context) error {
		var err error
		url, err = s.billing.CreatePortalSession(ctx, account.StripeCustomerID, s.baseURL+"/billing")
		return err
	})
	if err != nil {
		return "", domain.Unavailable(err, op, "payment processor unavailable, please retry")
	}
	return url, nil
}

func (s *checkoutService) CancelAtPeriodEnd(ctx context.Context, tenantID uuid.UUID) error {
	const op = "checkout.cancel_at_period_end"

	if err := s.configured(op); err != nil {
		return err
	}
	account, err := s.ledger.GetAccount(ctx, tenantID)
	if err != nil {
		return err
	}
	if account.StripeSubscriptionID == "" {
		return domain.Conflict(op, "no active subscription to cancel")
	}

	err = s.callProcessor(ctx, func(ctx context.Context) error {
		return s.billing.CancelSubscription(ctx, account.StripeSubscriptionID)
	})
	if err != nil {
		return domain.Unavailable(err, op, "payment processor unavailable, please retry")
	}
	s.logger.Info("subscription set to cancel at period end", "tenant_id", tenantID)
	return nil
}

func (s *checkoutService) Reactivate(ctx context.Context, tenantID uuid.UUID) error {
	const op = "checkout.reactivate"

	if err := s.configured(op); err != nil {
		return err
	}
	account, err := s.ledger.GetAccount(ctx, tenantID)
	if err != nil {
		return err
	}
	if account.StripeSubscriptionID == "" {
		return domain.Conflict(op, "no subscription to reactivate")
	}

	err = s.callProcessor(ctx, func(ctx context.Context) error {
		return s.billing.ReactivateSubscription(ctx, account.StripeSubscriptionID)
	})
	if err != nil {
		return domain.Unavailable(err, op, "payment processor unavailable, please retry")
	}
	s.logger.Info("subscription reactivated", "tenant_id", tenantID)
	return nil
}

// configured rejects checkout operations when Stripe is not configured.
func (s *checkoutService) configured(op string) error {
	if s.billing == nil {
		return domain.Unavailable(nil, op, "billing is not configured")
	}
	return nil
}

// ensureCustomer resolves the external customer reference, creating one
// on first use and persisting it.
func (s *checkoutService) ensureCustomer(ctx context.Context, account *domain.BillingAccount) (string, error) {
	const op = "checkout.ensure_customer"

	if account.StripeCustomerID != "" {
		return account.StripeCustomerID, nil
	}

	var customerID string
	err := s.callProcessor(ctx, func(ctx context.Context) error {
		var err error
		customerID, err = s.billing.CreateCustomer(ctx, account.TenantID.String(), "tenant "+account.TenantID.String())
		return err
	})
	if err != nil {
		return "", domain.Unavailable(err, op, "payment processor unavailable, please retry")
	}

	if err := s.accounts.SetStripeCustomer(ctx, account.TenantID, customerID); err != nil {
		return "", domain.Internal(err, op, "failed to persist customer reference")
	}
	return customerID, nil
}

// callProcessor runs one outbound processor call with a bounded timeout
// per attempt and exponential backoff between attempts.
func (s *checkoutService) callProcessor(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(2, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := fn(attemptCtx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
