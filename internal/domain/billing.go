// Package domain contains core business types for the billing engine.
//
// This file defines the per-tenant billing account and its plan state.
// The account's plan only ever changes through the plan state machine in
// the service layer; no other component writes these fields.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus represents the possible states of a tenant's subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
)

// MapProcessorStatus translates a payment-processor subscription status
// into ours. Unknown statuses default to active rather than failing the
// webhook that delivered them.
func MapProcessorStatus(s string) SubscriptionStatus {
	switch s {
	case "active":
		return SubscriptionStatusActive
	case "past_due", "unpaid":
		return SubscriptionStatusPastDue
	case "canceled":
		return SubscriptionStatusCanceled
	case "incomplete", "incomplete_expired":
		return SubscriptionStatusIncomplete
	case "trialing":
		return SubscriptionStatusTrialing
	default:
		return SubscriptionStatusActive
	}
}

// PendingPlanChange records a scheduled downgrade. Only downgrades are
// ever pending; upgrades apply immediately on payment confirmation.
type PendingPlanChange struct {
	TargetPlan  PlanTier
	EffectiveAt time.Time
	Reason      string
}

// BillingAccount is the per-tenant billing record: current plan, credit
// balance, and payment-processor references. One row per company.
type BillingAccount struct {
	TenantID             uuid.UUID
	Plan                 PlanTier
	Status               SubscriptionStatus
	CreditBalance        int64
	UnlimitedCredits     bool
	CycleCreditsUsed     int64
	Pending              *PendingPlanChange
	StripeCustomerID     string
	StripeSubscriptionID string
	NextBillingDate      *time.Time
	PlanStartedAt        time.Time
	ArchivedAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Limits returns the plan catalog entry for the account's current plan.
func (a *BillingAccount) Limits() PlanLimits {
	return LookupPlan(a.Plan)
}

// HasCredits reports whether the account can cover a deduction of n credits.
func (a *BillingAccount) HasCredits(n int64) bool {
	return a.UnlimitedCredits || a.CreditBalance >= n
}

// IsArchived reports whether the account was soft-archived on tenant deletion.
func (a *BillingAccount) IsArchived() bool {
	return a.ArchivedAt != nil
}

// =============================================================================
// Plan state variant
// =============================================================================

// PlanState is the tagged variant over an account's plan situation:
// either stable on a plan, or stable with exactly one pending downgrade.
// Modeling it this way keeps "at most one pending change" structurally
// enforced instead of relying on two independently-nullable fields.
type PlanState interface {
	isPlanState()
	CurrentPlan() PlanTier
}

// Stable means the account sits on its plan with no scheduled change.
type Stable struct {
	Plan PlanTier
}

func (Stable) isPlanState() {}

// CurrentPlan returns the plan the account is on.
func (s Stable) CurrentPlan() PlanTier { return s.Plan }

// DowngradePending means the account sits on Plan until EffectiveAt,
// after which the sweep moves it to Target.
type DowngradePending struct {
	Plan        PlanTier
	Target      PlanTier
	EffectiveAt time.Time
}

func (DowngradePending) isPlanState() {}

// CurrentPlan returns the plan the account is on until the change executes.
func (d DowngradePending) CurrentPlan() PlanTier { return d.Plan }

// State returns the account's plan state as a tagged variant.
func (a *BillingAccount) State() PlanState {
	if a.Pending == nil {
		return Stable{Plan: a.Plan}
	}
	return DowngradePending{
		Plan:        a.Plan,
		Target:      a.Pending.TargetPlan,
		EffectiveAt: a.Pending.EffectiveAt,
	}
}
