package billing

import (
	"testing"

	"github.com/fleetdock/fleetdock/internal/domain"
	"github.com/stretchr/testify/assert"
)

func testService() Service {
	return NewStripeService("sk_test_key", "whsec_test", PriceConfig{
		StarterMonthlyPriceID:      "price_starter_m",
		StarterYearlyPriceID:       "price_starter_y",
		ProfessionalMonthlyPriceID: "price_pro_m",
		ProfessionalYearlyPriceID:  "price_pro_y",
	})
}

func TestTierForPriceID(t *testing.T) {
	svc := testService()

	assert.Equal(t, domain.PlanStarter, svc.TierForPriceID("price_starter_m"))
	assert.Equal(t, domain.PlanStarter, svc.TierForPriceID("price_starter_y"))
	assert.Equal(t, domain.PlanProfessional, svc.TierForPriceID("price_pro_m"))
	assert.Equal(t, domain.PlanProfessional, svc.TierForPriceID("price_pro_y"))
	assert.Equal(t, domain.PlanTier(""), svc.TierForPriceID("price_unknown"))
}

func TestPriceIDForPlan(t *testing.T) {
	svc := testService()

	tests := []struct {
		name    string
		tier    domain.PlanTier
		cycle   BillingCycle
		want    string
		wantErr bool
	}{
		{"starter monthly", domain.PlanStarter, CycleMonthly, "price_starter_m", false},
		{"starter yearly", domain.PlanStarter, CycleYearly, "price_starter_y", false},
		{"professional monthly", domain.PlanProfessional, CycleMonthly, "price_pro_m", false},
		{"professional yearly", domain.PlanProfessional, CycleYearly, "price_pro_y", false},
		{"free has no price", domain.PlanFree, CycleMonthly, "", true},
		{"enterprise has no price", domain.PlanEnterprise, CycleMonthly, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.PriceIDForPlan(tt.tier, tt.cycle)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPriceIDForPlanUnconfigured(t *testing.T) {
	svc := NewStripeService("sk_test_key", "whsec_test", PriceConfig{})

	_, err := svc.PriceIDForPlan(domain.PlanStarter, CycleMonthly)
	assert.Error(t, err)
	assert.Equal(t, domain.PlanTier(""), svc.TierForPriceID("price_starter_m"))
}
