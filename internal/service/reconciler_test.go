package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/fleetdock/fleetdock/internal/billing"
	"github.com/fleetdock/fleetdock/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"
)

func newReconcilerFixture() (*billingFixture, ReconcilerService) {
	f := newBillingFixture()
	rec := NewReconcilerService(f.db, f.accounts, f.invoices, f.journal, f.ledgerSvc, f.planSvc, &fakeBilling{}, testLogger())
	return f, rec
}

func stripeEvent(id, eventType string, payload any) stripe.Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return stripe.Event{
		ID:   id,
		Type: stripe.EventType(eventType),
		Data: &stripe.EventData{Raw: raw},
	}
}

func upgradeCheckoutEvent(id string, tenantID uuid.UUID, target domain.PlanTier) stripe.Event {
	return stripeEvent(id, "checkout.session.completed", map[string]any{
		"id":                  "cs_" + id,
		"client_reference_id": tenantID.String(),
		"customer":            map[string]any{"id": "cus_1"},
		"subscription":        map[string]any{"id": "sub_1"},
		"metadata": map[string]string{
			billing.MetaTenantID:   tenantID.String(),
			billing.MetaTargetPlan: string(target),
			billing.MetaPurpose:    billing.PurposeUpgrade,
		},
	})
}

// =============================================================================
// Checkout Completion Tests
// =============================================================================

func TestProcessEvent_UpgradeCheckoutAppliesUpgrade(t *testing.T) {
	f, rec := newReconcilerFixture()
	tenantID := uuid.New()
	ctx := context.Background()

	_, err := f.ledgerSvc.EnsureAccount(ctx, tenantID)
	require.NoError(t, err)

	err = rec.ProcessEvent(ctx, upgradeCheckoutEvent("evt_1", tenantID, domain.PlanStarter))
	require.NoError(t, err)

	account, err := f.ledgerSvc.GetAccount(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanStarter, account.Plan)
	assert.Equal(t, int64(100), account.CreditBalance)
	assert.Equal(t, "cus_1", account.StripeCustomerID)
	assert.Equal(t, "sub_1", account.StripeSubscriptionID)

	invoices, err := f.invoices.ListByTenant(ctx, tenantID, 10, 0)
	require.NoError(t, err)
	require.Len(t, invoices, 1, "the initial charge never produces a usable invoice event, so checkout must record it")
	assert.Equal(t, domain.InvoiceStatusPaid, invoices[0].Status)
	require.NotNil(t, invoices[0].Plan)
	assert.Equal(t, domain.PlanStarter, *invoices[0].Plan)
}

func TestProcessEvent_DuplicateEventAppliesOnce(t *testing.T) {
	f, rec := newReconcilerFixture()
	tenantID := uuid.New()
	ctx := context.Background()

	_, err := f.ledgerSvc.EnsureAccount(ctx, tenantID)
	require.NoError(t, err)
	require.NoError(t, f.ledgerSvc.Deduct(ctx, tenantID, 2, "document extraction", nil))

	event := upgradeCheckoutEvent("evt_dup", tenantID, domain.PlanStarter)
	require.NoError(t, rec.ProcessEvent(ctx, event))
	require.NoError(t, rec.ProcessEvent(ctx, event))

	account, err := f.ledgerSvc.GetAccount(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(103), account.CreditBalance, "redelivered event must not grant twice")
	assert.NoError(t, f.ledgerSvc.VerifyLedger(ctx, tenantID))

	invoices, err := f.invoices.ListByTenant(ctx, tenantID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, invoices, 1, "redelivered event must not record a second charge")
}

func TestProcessEvent_CreditPurchaseGrantsCredits(t *testing.T) {
	f, rec := newReconcilerFixture()
	tenantID := uuid.New()
	ctx := context.Background()

	_, err := f.ledgerSvc.EnsureAccount(ctx, tenantID)
	require.NoError(t, err)

	event := stripeEvent("evt_2", "checkout.session.completed", map[string]any{
		"id":             "cs_evt_2",
		"amount_total":   2500,
		"payment_intent": map[string]any{"id": "pi_7"},
		"metadata": map[string]string{
			billing.MetaTenantID: tenantID.String(),
			billing.MetaPurpose:  billing.PurposeCreditPurchase,
		},
	})
	require.NoError(t, rec.ProcessEvent(ctx, event))

	account, err := f.ledgerSvc.GetAccount(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(205), account.CreditBalance, "5 initial + 2500 cents at 8/dollar")

	txns, err := f.ledgerSvc.Transactions(ctx, tenantID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, "pi_7", txns[0].Metadata["payment_ref"])

	invoices, err := f.invoices.ListByTenant(ctx, tenantID, 10, 0)
	require.NoError(t, err)
	require.Len(t, invoices, 1, "payment-mode sessions emit no invoice event, so checkout must record the charge")
	assert.Nil(t, invoices[0].Plan)
	assert.Equal(t, int64(2500), invoices[0].AmountCents)
	assert.Equal(t, domain.InvoiceStatusPaid, invoices[0].Status)
	assert.Equal(t, "pi_7", invoices[0].StripePaymentRef)
}

func TestProcessEvent_SessionWithoutPurposeIsAcknowledged(t *testing.T) {
	f, rec := newReconcilerFixture()
	tenantID := uuid.New()
	ctx := context.Background()

	_, err := f.ledgerSvc.EnsureAccount(ctx, tenantID)
	require.NoError(t, err)

	event := stripeEvent("evt_3", "checkout.session.completed", map[string]any{
		"id":                  "cs_evt_3",
		"client_reference_id": tenantID.String(),
	})
	require.NoError(t, rec.ProcessEvent(ctx, event))

	account, err := f.ledgerSvc.GetAccount(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), account.CreditBalance)
}

// =============================================================================
// Subscription Lifecycle Tests
// =============================================================================

func TestProcessEvent_SubscriptionDeletedCancelsPlan(t *testing.T) {
	f, rec := newReconcilerFixture()
	tenantID := uuid.New()
	f.store.putAccount(&domain.BillingAccount{
		TenantID:             tenantID,
		Plan:                 domain.PlanStarter,
		Status:               domain.SubscriptionStatusActive,
		CreditBalance:        40,
		StripeCustomerID:     "cus_9",
		StripeSubscriptionID: "sub_9",
	})

	event := stripeEvent("evt_4", "customer.subscription.deleted", map[string]any{
		"id":       "sub_9",
		"customer": map[string]any{"id": "cus_9"},
	})
	require.NoError(t, rec.ProcessEvent(context.Background(), event))

	account, err := f.ledgerSvc.GetAccount(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, domain.PlanFree, account.Plan)
	assert.Equal(t, domain.SubscriptionStatusCanceled, account.Status)
	assert.Equal(t, int64(0), account.CreditBalance)
}

func TestProcessEvent_SubscriptionUpdatedMapsStatus(t *testing.T) {
	f, rec := newReconcilerFixture()
	tenantID := uuid.New()
	f.store.putAccount(&domain.BillingAccount{
		TenantID:         tenantID,
		Plan:             domain.PlanStarter,
		Status:           domain.SubscriptionStatusActive,
		CreditBalance:    40,
		StripeCustomerID: "cus_9",
	})

	event := stripeEvent("evt_5", "customer.subscription.updated", map[string]any{
		"id":       "sub_9",
		"customer": map[string]any{"id": "cus_9"},
		"status":   "past_due",
	})
	require.NoError(t, rec.ProcessEvent(context.Background(), event))

	account, err := f.ledgerSvc.GetAccount(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPastDue, account.Status)
}

func TestProcessEvent_UnknownTenantIsAcknowledged(t *testing.T) {
	_, rec := newReconcilerFixture()

	event := stripeEvent("evt_6", "customer.subscription.deleted", map[string]any{
		"id":       "sub_stranger",
		"customer": map[string]any{"id": "cus_stranger"},
	})
	// No account exists for cus_stranger: the event is logged and
	// journaled so the processor stops redelivering it.
	require.NoError(t, rec.ProcessEvent(context.Background(), event))
	require.NoError(t, rec.ProcessEvent(context.Background(), event))
}

// =============================================================================
// Invoice Tests
// =============================================================================

func TestProcessEvent_RenewalInvoiceRefillsAndRecords(t *testing.T) {
	f, rec := newReconcilerFixture()
	tenantID := uuid.New()
	ctx := context.Background()
	f.store.putAccount(&domain.BillingAccount{
		TenantID:         tenantID,
		Plan:             domain.PlanStarter,
		Status:           domain.SubscriptionStatusActive,
		CreditBalance:    12,
		StripeCustomerID: "cus_9",
	})

	event := stripeEvent("evt_7", "invoice.payment_succeeded", map[string]any{
		"id":             "in_1",
		"customer":       map[string]any{"id": "cus_9"},
		"billing_reason": "subscription_cycle",
		"amount_paid":    2900,
	})
	require.NoError(t, rec.ProcessEvent(ctx, event))

	account, err := f.ledgerSvc.GetAccount(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(112), account.CreditBalance, "allotment rolls over on top of the remainder")

	invoices, err := f.invoices.ListByTenant(ctx, tenantID, 10, 0)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, domain.InvoiceStatusPaid, invoices[0].Status)
	assert.Equal(t, int64(2900), invoices[0].AmountCents)
	assert.Equal(t, "in_1", invoices[0].StripeInvoiceID)
}

func TestProcessEvent_InitialSubscriptionInvoiceIsSkipped(t *testing.T) {
	f, rec := newReconcilerFixture()
	tenantID := uuid.New()
	ctx := context.Background()
	f.store.putAccount(&domain.BillingAccount{
		TenantID:         tenantID,
		Plan:             domain.PlanStarter,
		Status:           domain.SubscriptionStatusActive,
		CreditBalance:    100,
		StripeCustomerID: "cus_9",
	})

	event := stripeEvent("evt_8", "invoice.payment_succeeded", map[string]any{
		"id":             "in_first",
		"customer":       map[string]any{"id": "cus_9"},
		"billing_reason": "subscription_create",
	})
	require.NoError(t, rec.ProcessEvent(ctx, event))

	account, err := f.ledgerSvc.GetAccount(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.CreditBalance, "the upgrade path already granted these credits")
}

func TestProcessEvent_FailedInvoiceMarksPastDue(t *testing.T) {
	f, rec := newReconcilerFixture()
	tenantID := uuid.New()
	ctx := context.Background()
	f.store.putAccount(&domain.BillingAccount{
		TenantID:         tenantID,
		Plan:             domain.PlanStarter,
		Status:           domain.SubscriptionStatusActive,
		CreditBalance:    40,
		StripeCustomerID: "cus_9",
	})

	event := stripeEvent("evt_9", "invoice.payment_failed", map[string]any{
		"id":         "in_bad",
		"customer":   map[string]any{"id": "cus_9"},
		"amount_due": 2900,
	})
	require.NoError(t, rec.ProcessEvent(ctx, event))

	account, err := f.ledgerSvc.GetAccount(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPastDue, account.Status)
	assert.Equal(t, int64(40), account.CreditBalance, "failed payment never touches the balance")

	invoices, err := f.invoices.ListByTenant(ctx, tenantID, 10, 0)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, domain.InvoiceStatusFailed, invoices[0].Status)
	assert.Equal(t, int64(2900), invoices[0].AmountCents)
}

// =============================================================================
// Dispatch Tests
// =============================================================================

func TestProcessEvent_UnhandledTypeIsIgnored(t *testing.T) {
	_, rec := newReconcilerFixture()
	event := stripeEvent("evt_10", "customer.created", map[string]any{"id": "cus_new"})
	assert.NoError(t, rec.ProcessEvent(context.Background(), event))
}

func TestProcessEvent_OutOfOrderCheckoutResolvesTenantFromMetadata(t *testing.T) {
	// The checkout completion can arrive before any customer reference is
	// persisted; metadata alone must be enough to apply it.
	f, rec := newReconcilerFixture()
	ctx := context.Background()

	var tenants []uuid.UUID
	for i := 0; i < 3; i++ {
		tenantID := uuid.New()
		tenants = append(tenants, tenantID)
		_, err := f.ledgerSvc.EnsureAccount(ctx, tenantID)
		require.NoError(t, err)
	}

	for i, tenantID := range tenants {
		event := upgradeCheckoutEvent(fmt.Sprintf("evt_ooo_%d", i), tenantID, domain.PlanStarter)
		require.NoError(t, rec.ProcessEvent(ctx, event))
	}

	for _, tenantID := range tenants {
		account, err := f.ledgerSvc.GetAccount(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, domain.PlanStarter, account.Plan)
	}
}
