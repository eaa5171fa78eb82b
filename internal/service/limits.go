// Package service contains the business logic layer.
//
// This file implements the limit enforcer: the read-only query layer the
// CRUD side consults before mutating resources. It never writes anything.
package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fleetdock/fleetdock/internal/domain"
	"github.com/fleetdock/fleetdock/internal/repository"
	"github.com/google/uuid"
)

// Resource identifies a plan-capped resource type.
type Resource string

const (
	ResourceDrivers            Resource = "drivers"
	ResourceDocumentsPerDriver Resource = "documents_per_driver"
	ResourceCredits            Resource = "credits"
)

// LimitCheck is the structured answer to "is this action allowed". The
// calling UI needs current/limit to offer an upgrade path on rejection.
type LimitCheck struct {
	Allowed       bool            `json:"allowed"`
	Resource      Resource        `json:"resource"`
	Current       int64           `json:"current"`
	Limit         int64           `json:"limit"`
	Unlimited     bool            `json:"unlimited"`
	Message       string          `json:"message,omitempty"`
	SuggestedPlan domain.PlanTier `json:"suggested_plan,omitempty"`
}

// LimitService answers plan-limit queries for the CRUD layer.
type LimitService interface {
	// CheckLimit reports whether adding one more of the resource stays
	// within the tenant's plan.
	CheckLimit(ctx context.Context, tenantID uuid.UUID, resource Resource) (*LimitCheck, error)

	// CheckCredits reports whether a deduction of n credits would succeed.
	CheckCredits(ctx context.Context, tenantID uuid.UUID, amount int64) (*LimitCheck, error)
}

type limitService struct {
	ledger LedgerService
	usage  repository.UsageRepository
	logger *slog.Logger
}

// NewLimitService creates a new LimitService.
func NewLimitService(ledger LedgerService, usage repository.UsageRepository, logger *slog.Logger) LimitService {
	return &limitService{
		ledger: ledger,
		usage:  usage,
		logger: logger,
	}
}

func (s *limitService) CheckLimit(ctx context.Context, tenantID uuid.UUID, resource Resource) (*LimitCheck, error) {
	const op = "limits.check"

	account, err := s.ledger.EnsureAccount(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	limits := account.Limits()
	if !domain.KnownTier(account.Plan) {
		s.logger.Warn("unknown plan on account, using free limits",
			"tenant_id", tenantID, "plan", account.Plan)
	}

	var current, limit int64
	switch resource {
	case ResourceDrivers:
		current, err = s.usage.CountDrivers(ctx, tenantID)
		limit = limits.MaxDrivers
	case ResourceDocumentsPerDriver:
		current, err = s.usage.MaxDocumentsPerDriver(ctx, tenantID)
		limit = limits.MaxDocsPerDriver
	default:
		return nil, domain.Invalid(op, fmt.Sprintf("unknown resource type %q", resource))
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to read current usage")
	}

	check := &LimitCheck{
		Resource:  resource,
		Current:   current,
		Limit:     limit,
		Unlimited: limit == domain.Unlimited,
	}
	if check.Unlimited || current < limit {
		check.Allowed = true
		return check, nil
	}

	check.Message = fmt.Sprintf("Your %s plan allows %d %s; you currently have %d.",
		limits.Tier, limit, resource, current)
	check.SuggestedPlan = nextTierUp(account.Plan)
	return check, nil
}

func (s *limitService) CheckCredits(ctx context.Context, tenantID uuid.UUID, amount int64) (*LimitCheck, error) {
	const op = "limits.check_credits"

	if amount <= 0 {
		return nil, domain.Invalid(op, "credit amount must be positive")
	}

	account, err := s.ledger.EnsureAccount(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	check := &LimitCheck{
		Resource:  ResourceCredits,
		Current:   account.CreditBalance,
		Limit:     amount,
		Unlimited: account.UnlimitedCredits,
		Allowed:   account.HasCredits(amount),
	}
	if !check.Allowed {
		check.Message = fmt.Sprintf("This action needs %d credits but only %d are available.",
			amount, account.CreditBalance)
		check.SuggestedPlan = nextTierUp(account.Plan)
	}
	return check, nil
}

// nextTierUp returns the cheapest tier above the current one on the
// automated upgrade path, or empty when there is none.
func nextTierUp(current domain.PlanTier) domain.PlanTier {
	for _, p := range domain.AllPlans() {
		if domain.IsUpgrade(current, p.Tier) {
			return p.Tier
		}
	}
	return ""
}
