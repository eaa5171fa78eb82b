package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMapProcessorStatus(t *testing.T) {
	tests := []struct {
		in   string
		want SubscriptionStatus
	}{
		{"active", SubscriptionStatusActive},
		{"past_due", SubscriptionStatusPastDue},
		{"unpaid", SubscriptionStatusPastDue},
		{"canceled", SubscriptionStatusCanceled},
		{"incomplete", SubscriptionStatusIncomplete},
		{"incomplete_expired", SubscriptionStatusIncomplete},
		{"trialing", SubscriptionStatusTrialing},
		{"paused", SubscriptionStatusActive}, // unknown statuses never fail a webhook
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MapProcessorStatus(tt.in))
		})
	}
}

func TestHasCredits(t *testing.T) {
	account := &BillingAccount{CreditBalance: 5}
	assert.True(t, account.HasCredits(5))
	assert.False(t, account.HasCredits(6))

	unlimited := &BillingAccount{UnlimitedCredits: true}
	assert.True(t, unlimited.HasCredits(1_000_000))
}

func TestPlanState(t *testing.T) {
	account := &BillingAccount{
		TenantID: uuid.New(),
		Plan:     PlanProfessional,
	}

	state := account.State()
	stable, ok := state.(Stable)
	assert.True(t, ok)
	assert.Equal(t, PlanProfessional, stable.CurrentPlan())

	effective := time.Now().UTC().Add(7 * 24 * time.Hour)
	account.Pending = &PendingPlanChange{TargetPlan: PlanStarter, EffectiveAt: effective}

	state = account.State()
	pending, ok := state.(DowngradePending)
	assert.True(t, ok)
	assert.Equal(t, PlanProfessional, pending.CurrentPlan())
	assert.Equal(t, PlanStarter, pending.Target)
	assert.Equal(t, effective, pending.EffectiveAt)
}

func TestIsArchived(t *testing.T) {
	account := &BillingAccount{}
	assert.False(t, account.IsArchived())

	now := time.Now().UTC()
	account.ArchivedAt = &now
	assert.True(t, account.IsArchived())
}
