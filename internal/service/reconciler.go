// Package service contains the business logic layer.
//
// This file implements the webhook reconciler: the only path through
// which the payment processor's confirmations reach the ledger and the
// plan state machine. Events may arrive duplicated or out of order, so
// every effect is guarded by the processed-event journal and each event
// carries enough metadata to resolve the tenant on its own.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetdock/fleetdock/internal/billing"
	"github.com/fleetdock/fleetdock/internal/domain"
	"github.com/fleetdock/fleetdock/internal/metrics"
	"github.com/fleetdock/fleetdock/internal/repository"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
)

// Handled event types. Everything else is acknowledged and ignored.
const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	eventInvoicePaid         = "invoice.payment_succeeded"
	eventInvoiceFailed       = "invoice.payment_failed"
)

// ReconcilerService applies verified processor events to billing state.
type ReconcilerService interface {
	// ProcessEvent applies one verified webhook event. Duplicate events
	// are skipped via the journal; events for tenants that cannot be
	// resolved are logged and acknowledged so the processor stops
	// retrying them.
	ProcessEvent(ctx context.Context, event stripe.Event) error
}

type reconcilerService struct {
	db       repository.DB
	accounts repository.AccountRepository
	invoices repository.InvoiceRepository
	journal  repository.EventJournal
	ledger   LedgerService
	plans    PlanService
	billing  billing.Service
	logger   *slog.Logger
}

// NewReconcilerService creates a new ReconcilerService.
func NewReconcilerService(
	db repository.DB,
	accounts repository.AccountRepository,
	invoices repository.InvoiceRepository,
	journal repository.EventJournal,
	ledger LedgerService,
	plans PlanService,
	billingSvc billing.Service,
	logger *slog.Logger,
) ReconcilerService {
	return &reconcilerService{
		db:       db,
		accounts: accounts,
		invoices: invoices,
		journal:  journal,
		ledger:   ledger,
		plans:    plans,
		billing:  billingSvc,
		logger:   logger,
	}
}

func (s *reconcilerService) ProcessEvent(ctx context.Context, event stripe.Event) error {
	const op = "reconciler.process_event"
	eventType := string(event.Type)

	seen, err := s.journal.AlreadyProcessed(ctx, event.ID)
	if err != nil {
		return domain.Internal(err, op, "failed to check event journal")
	}
	if seen {
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "duplicate").Inc()
		s.logger.Info("duplicate webhook event skipped", "event_id", event.ID, "type", eventType)
		return nil
	}

	var dispatchErr error
	switch eventType {
	case eventCheckoutCompleted:
		dispatchErr = s.handleCheckoutCompleted(ctx, event)
	case eventSubscriptionCreated, eventSubscriptionUpdated:
		dispatchErr = s.handleSubscriptionUpdated(ctx, event)
	case eventSubscriptionDeleted:
		dispatchErr = s.handleSubscriptionDeleted(ctx, event)
	case eventInvoicePaid:
		dispatchErr = s.handleInvoicePaid(ctx, event)
	case eventInvoiceFailed:
		dispatchErr = s.handleInvoiceFailed(ctx, event)
	default:
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "ignored").Inc()
		return nil
	}

	if dispatchErr != nil {
		// Unknown tenants stay unknown on retry: journal the event so the
		// processor stops redelivering, and surface it in the logs instead.
		var unknown *domain.Error
		if errors.As(dispatchErr, &unknown) && unknown.Code == domain.ENOTFOUND {
			metrics.WebhookEventsTotal.WithLabelValues(eventType, "unresolved").Inc()
			s.logger.Warn("webhook event references unknown tenant",
				"event_id", event.ID,
				"type", eventType,
				"error", dispatchErr,
			)
			return s.markProcessed(ctx, op, event.ID, eventType)
		}
		metrics.WebhookEventsTotal.WithLabelValues(eventType, "error").Inc()
		return dispatchErr
	}

	metrics.WebhookEventsTotal.WithLabelValues(eventType, "processed").Inc()
	return s.markProcessed(ctx, op, event.ID, eventType)
}

func (s *reconcilerService) markProcessed(ctx context.Context, op, eventID, eventType string) error {
	if err := s.journal.MarkProcessed(ctx, s.db, eventID, eventType); err != nil {
		return domain.Internal(err, op, "failed to journal event")
	}
	return nil
}

func (s *reconcilerService) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	const op = "reconciler.checkout_completed"

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return domain.Internal(err, op, "failed to parse checkout session")
	}

	tenantID, err := tenantFromSession(&session)
	if err != nil {
		return domain.Errorf(domain.ENOTFOUND, op, "checkout session %s has no resolvable tenant: %v", session.ID, err)
	}

	switch session.Metadata[billing.MetaPurpose] {
	case billing.PurposeUpgrade:
		target := domain.PlanTier(session.Metadata[billing.MetaTargetPlan])
		if !domain.KnownTier(target) {
			return domain.Invalid(op, fmt.Sprintf("checkout session %s carries unknown target plan %q", session.ID, target))
		}
		refs := UpgradeRefs{}
		if session.Customer != nil {
			refs.CustomerID = session.Customer.ID
		}
		if session.Subscription != nil {
			refs.SubscriptionID = session.Subscription.ID
		}
		if err := s.plans.Upgrade(ctx, tenantID, target, refs); err != nil {
			return err
		}
		return s.recordCheckoutCharge(ctx, op, tenantID, &target, &session)

	case billing.PurposeCreditPurchase:
		paymentRef := session.ID
		if session.PaymentIntent != nil {
			paymentRef = session.PaymentIntent.ID
		}
		if err := s.ledger.Purchase(ctx, tenantID, session.AmountTotal, paymentRef); err != nil {
			return err
		}
		return s.recordCheckoutCharge(ctx, op, tenantID, nil, &session)

	default:
		s.logger.Warn("checkout session without billing purpose ignored",
			"event_id", event.ID,
			"session_id", session.ID,
		)
		return nil
	}
}

func (s *reconcilerService) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) error {
	const op = "reconciler.subscription_updated"

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return domain.Internal(err, op, "failed to parse subscription")
	}

	tenantID, err := s.tenantForSubscription(ctx, &sub)
	if err != nil {
		return err
	}

	var periodEnd *time.Time
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		periodEnd = &t
	}
	if err := s.plans.UpdateSubscriptionStatus(ctx, tenantID, string(sub.Status), periodEnd); err != nil {
		return err
	}

	// Surface drift between the subscription's price and the recorded
	// plan. The plan itself only changes through confirmed checkouts and
	// the downgrade sweep, so a mismatch here means a manual change on
	// the processor side.
	if tier := s.subscriptionTier(&sub); tier != "" {
		if account, err := s.accounts.GetByTenant(ctx, tenantID); err == nil && account.Plan != tier {
			s.logger.Warn("subscription price does not match recorded plan",
				"tenant_id", tenantID,
				"recorded_plan", account.Plan,
				"subscription_plan", tier,
			)
		}
	}
	return nil
}

// subscriptionTier maps the subscription's price to a plan tier, or empty
// when the price is not part of the catalog.
func (s *reconcilerService) subscriptionTier(sub *stripe.Subscription) domain.PlanTier {
	if s.billing == nil || sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item.Price == nil {
			continue
		}
		if tier := s.billing.TierForPriceID(item.Price.ID); tier != "" {
			return tier
		}
	}
	return ""
}

func (s *reconcilerService) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) error {
	const op = "reconciler.subscription_deleted"

	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return domain.Internal(err, op, "failed to parse subscription")
	}

	tenantID, err := s.tenantForSubscription(ctx, &sub)
	if err != nil {
		return err
	}
	return s.plans.Cancel(ctx, tenantID)
}

func (s *reconcilerService) handleInvoicePaid(ctx context.Context, event stripe.Event) error {
	const op = "reconciler.invoice_paid"

	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return domain.Internal(err, op, "failed to parse invoice")
	}

	// The first subscription invoice accompanies checkout completion; the
	// upgrade path already granted its credits.
	if inv.BillingReason == stripe.InvoiceBillingReasonSubscriptionCreate {
		s.logger.Info("initial subscription invoice skipped", "event_id", event.ID, "invoice_id", inv.ID)
		return nil
	}

	account, err := s.accountForInvoice(ctx, op, &inv)
	if err != nil {
		return err
	}

	result, err := s.ledger.Refill(ctx, account.TenantID)
	if err != nil {
		return err
	}
	s.logger.Info("cycle renewal applied",
		"tenant_id", account.TenantID,
		"outcome", result.Outcome,
		"granted", result.Granted,
	)

	return s.recordInvoice(ctx, op, account, &inv, domain.InvoiceStatusPaid)
}

func (s *reconcilerService) handleInvoiceFailed(ctx context.Context, event stripe.Event) error {
	const op = "reconciler.invoice_failed"

	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return domain.Internal(err, op, "failed to parse invoice")
	}

	account, err := s.accountForInvoice(ctx, op, &inv)
	if err != nil {
		return err
	}

	if err := s.plans.MarkPastDue(ctx, account.TenantID); err != nil {
		return err
	}
	return s.recordInvoice(ctx, op, account, &inv, domain.InvoiceStatusFailed)
}

// recordCheckoutCharge writes the billing history record for a completed
// checkout. The initial subscription invoice is skipped by the invoice
// handler and payment-mode sessions emit no invoice event at all, so this
// is the only place these charges reach the history. plan is nil for
// credit purchases.
func (s *reconcilerService) recordCheckoutCharge(ctx context.Context, op string, tenantID uuid.UUID, plan *domain.PlanTier, session *stripe.CheckoutSession) error {
	number, err := s.invoices.NextNumber(ctx)
	if err != nil {
		return domain.Internal(err, op, "failed to allocate invoice number")
	}

	paidAt := time.Unix(session.Created, 0).UTC()
	record := &domain.BillingInvoice{
		TenantID:         tenantID,
		InvoiceNumber:    number,
		Plan:             plan,
		AmountCents:      session.AmountTotal,
		Status:           domain.InvoiceStatusPaid,
		PaidAt:           &paidAt,
		StripePaymentRef: session.ID,
	}
	if session.PaymentIntent != nil {
		record.StripePaymentRef = session.PaymentIntent.ID
	}
	if session.Invoice != nil {
		record.StripeInvoiceID = session.Invoice.ID
	}

	if err := s.invoices.Insert(ctx, s.db, record); err != nil {
		return domain.Internal(err, op, "failed to record checkout charge")
	}
	return nil
}

// recordInvoice persists the processor invoice for the billing history view.
func (s *reconcilerService) recordInvoice(ctx context.Context, op string, account *domain.BillingAccount, inv *stripe.Invoice, status domain.InvoiceStatus) error {
	number, err := s.invoices.NextNumber(ctx)
	if err != nil {
		return domain.Internal(err, op, "failed to allocate invoice number")
	}

	record := &domain.BillingInvoice{
		TenantID:        account.TenantID,
		InvoiceNumber:   number,
		AmountCents:     inv.AmountDue,
		Status:          status,
		StripeInvoiceID: inv.ID,
	}
	plan := account.Plan
	record.Plan = &plan
	if status == domain.InvoiceStatusPaid {
		record.AmountCents = inv.AmountPaid
		paidAt := time.Unix(inv.Created, 0).UTC()
		record.PaidAt = &paidAt
	}
	if inv.PeriodStart > 0 {
		t := time.Unix(inv.PeriodStart, 0).UTC()
		record.PeriodStart = &t
	}
	if inv.PeriodEnd > 0 {
		t := time.Unix(inv.PeriodEnd, 0).UTC()
		record.PeriodEnd = &t
	}
	if inv.PaymentIntent != nil {
		record.StripePaymentRef = inv.PaymentIntent.ID
	}

	if err := s.invoices.Insert(ctx, s.db, record); err != nil {
		return domain.Internal(err, op, "failed to record invoice")
	}
	return nil
}

// tenantForSubscription resolves the tenant from subscription metadata,
// falling back to the stored customer reference. Metadata wins so events
// arriving before the customer reference is persisted still resolve.
func (s *reconcilerService) tenantForSubscription(ctx context.Context, sub *stripe.Subscription) (uuid.UUID, error) {
	const op = "reconciler.tenant_for_subscription"

	if raw, ok := sub.Metadata[billing.MetaTenantID]; ok {
		if id, err := uuid.Parse(raw); err == nil {
			return id, nil
		}
	}
	if sub.Customer == nil || sub.Customer.ID == "" {
		return uuid.Nil, domain.UnknownTenant(op, sub.ID)
	}
	account, err := s.accounts.GetByStripeCustomer(ctx, sub.Customer.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return uuid.Nil, domain.UnknownTenant(op, sub.Customer.ID)
		}
		return uuid.Nil, domain.Internal(err, op, "failed to look up account by customer")
	}
	return account.TenantID, nil
}

func (s *reconcilerService) accountForInvoice(ctx context.Context, op string, inv *stripe.Invoice) (*domain.BillingAccount, error) {
	if inv.Customer == nil || inv.Customer.ID == "" {
		return nil, domain.UnknownTenant(op, inv.ID)
	}
	account, err := s.accounts.GetByStripeCustomer(ctx, inv.Customer.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.UnknownTenant(op, inv.Customer.ID)
		}
		return nil, domain.Internal(err, op, "failed to look up account by customer")
	}
	return account, nil
}

// tenantFromSession extracts the tenant from checkout session metadata,
// falling back to the client reference ID.
func tenantFromSession(session *stripe.CheckoutSession) (uuid.UUID, error) {
	if raw, ok := session.Metadata[billing.MetaTenantID]; ok {
		if id, err := uuid.Parse(raw); err == nil {
			return id, nil
		}
	}
	if session.ClientReferenceID != "" {
		return uuid.Parse(session.ClientReferenceID)
	}
	return uuid.Nil, errors.New("no tenant metadata or client reference")
}
