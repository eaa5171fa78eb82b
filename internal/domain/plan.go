// Package domain contains core business types for the billing engine.
//
// This file defines the plan catalog: the ordered subscription tiers with
// their resource caps, credit allotments, pricing, and feature set. The
// catalog is static configuration: changing a tier requires a deploy,
// never a database write.
package domain

// PlanTier identifies a subscription tier.
type PlanTier string

const (
	PlanFree         PlanTier = "free"
	PlanStarter      PlanTier = "starter"
	PlanProfessional PlanTier = "professional"
	PlanEnterprise   PlanTier = "enterprise"
)

// Feature is a capability toggled per tier.
type Feature string

const (
	FeatureAIExtraction    Feature = "ai_extraction"
	FeatureSMSReminders    Feature = "sms_reminders"
	FeatureAPIAccess       Feature = "api_access"
	FeatureTeamMembers     Feature = "team_members"
	FeaturePrioritySupport Feature = "priority_support"
)

// Unlimited marks a resource cap with no limit.
const Unlimited = int64(-1)

// CreditsPerCurrencyUnit is the fixed exchange rate for one-off credit
// purchases: 8 credits per unit of currency paid.
const CreditsPerCurrencyUnit = 8

// PlanLimits describes one tier of the plan catalog.
type PlanLimits struct {
	Tier             PlanTier
	Ordinal          int // position in the upgrade order, Free = 0
	MaxDrivers       int64
	MaxDocsPerDriver int64
	MonthlyCredits   int64 // credit allotment granted per billing cycle
	InitialCredits   int64 // one-time grant at account creation
	UnlimitedCredits bool
	PriceMonthly     int64 // cents per month, 0 for Free and Enterprise (negotiated)
	Features         []Feature
}

// HasFeature reports whether the tier includes the given feature.
func (p PlanLimits) HasFeature(f Feature) bool {
	for _, have := range p.Features {
		if have == f {
			return true
		}
	}
	return false
}

// planCatalog is ordered most-restrictive first. Unknown plan names fall
// back to Free, never to an error.
var planCatalog = map[PlanTier]PlanLimits{
	PlanFree: {
		Tier:             PlanFree,
		Ordinal:          0,
		MaxDrivers:       3,
		MaxDocsPerDriver: 5,
		MonthlyCredits:   0,
		InitialCredits:   5,
		Features:         []Feature{FeatureAIExtraction},
	},
	PlanStarter: {
		Tier:             PlanStarter,
		Ordinal:          1,
		MaxDrivers:       25,
		MaxDocsPerDriver: 20,
		MonthlyCredits:   100,
		InitialCredits:   100,
		PriceMonthly:     2900,
		Features:         []Feature{FeatureAIExtraction, FeatureSMSReminders},
	},
	PlanProfessional: {
		Tier:             PlanProfessional,
		Ordinal:          2,
		MaxDrivers:       100,
		MaxDocsPerDriver: 50,
		MonthlyCredits:   500,
		InitialCredits:   500,
		PriceMonthly:     9900,
		Features: []Feature{
			FeatureAIExtraction, FeatureSMSReminders,
			FeatureAPIAccess, FeatureTeamMembers,
		},
	},
	PlanEnterprise: {
		Tier:             PlanEnterprise,
		Ordinal:          3,
		MaxDrivers:       Unlimited,
		MaxDocsPerDriver: Unlimited,
		MonthlyCredits:   0,
		InitialCredits:   0,
		UnlimitedCredits: true,
		Features: []Feature{
			FeatureAIExtraction, FeatureSMSReminders, FeatureAPIAccess,
			FeatureTeamMembers, FeaturePrioritySupport,
		},
	},
}

// tierOrder lists tiers by ascending ordinal for display and iteration.
var tierOrder = []PlanTier{PlanFree, PlanStarter, PlanProfessional, PlanEnterprise}

// LookupPlan returns the limits for a tier, falling back to the most
// restrictive tier (Free) when the name is unknown. Callers that care
// about the fallback should check KnownTier first and log a warning.
func LookupPlan(tier PlanTier) PlanLimits {
	if p, ok := planCatalog[tier]; ok {
		return p
	}
	return planCatalog[PlanFree]
}

// KnownTier reports whether the tier exists in the catalog.
func KnownTier(tier PlanTier) bool {
	_, ok := planCatalog[tier]
	return ok
}

// ParseTier normalizes a plan name into a PlanTier, reporting whether
// it named a known tier.
func ParseTier(name string) (PlanTier, bool) {
	t := PlanTier(name)
	return t, KnownTier(t)
}

// AllPlans returns the catalog in ascending tier order.
func AllPlans() []PlanLimits {
	out := make([]PlanLimits, 0, len(tierOrder))
	for _, t := range tierOrder {
		out = append(out, planCatalog[t])
	}
	return out
}

// IsUpgrade reports whether moving from one tier to another goes up the
// ladder. Enterprise is excluded from the automated upgrade path; it
// requires out-of-band negotiation.
func IsUpgrade(from, to PlanTier) bool {
	return LookupPlan(to).Ordinal > LookupPlan(from).Ordinal && to != PlanEnterprise
}

// IsDowngrade reports whether moving from one tier to another goes down
// the ladder.
func IsDowngrade(from, to PlanTier) bool {
	return KnownTier(to) && LookupPlan(to).Ordinal < LookupPlan(from).Ordinal
}

// CreditsForAmount converts an amount paid (in cents) into purchased
// credits using the fixed exchange rate.
func CreditsForAmount(amountCents int64) int64 {
	return amountCents * CreditsPerCurrencyUnit / 100
}
