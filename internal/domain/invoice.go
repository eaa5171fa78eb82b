// Package domain contains core business types for the billing engine.
//
// This file defines billing history records: one per completed charge,
// written only by the webhook reconciler after confirmed payment. These
// rows are for display and audit; they never drive ledger or plan state.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// InvoiceStatus is the settlement status of a billing history record.
type InvoiceStatus string

const (
	InvoiceStatusPaid   InvoiceStatus = "paid"
	InvoiceStatusFailed InvoiceStatus = "failed"
)

// BillingInvoice is one completed charge: a subscription invoice or a
// one-off credit purchase (Plan is nil for pure credit purchases).
type BillingInvoice struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	InvoiceNumber    string
	Plan             *PlanTier
	AmountCents      int64
	Status           InvoiceStatus
	PaidAt           *time.Time
	PeriodStart      *time.Time
	PeriodEnd        *time.Time
	StripeInvoiceID  string
	StripePaymentRef string
	CreatedAt        time.Time
}
