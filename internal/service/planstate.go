// Package service contains the business logic layer.
//
// This file implements the plan state machine: upgrades confirmed by
// payment, downgrades scheduled behind a grace period, cancellation, and
// payment-failure status handling. The account's plan never changes
// outside these transitions.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fleetdock/fleetdock/internal/domain"
	"github.com/fleetdock/fleetdock/internal/metrics"
	"github.com/fleetdock/fleetdock/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	// DowngradeGracePeriod is the delay between a downgrade request and
	// its execution, giving the tenant time to reduce usage.
	DowngradeGracePeriod = 7 * 24 * time.Hour

	// billingPeriod is the subscription cycle length used when the
	// processor has not yet reported a period end.
	billingPeriod = 30 * 24 * time.Hour
)

// =============================================================================
// Interface Definition
// =============================================================================

// UpgradeRefs carries the external references confirmed by the payment
// processor alongside an upgrade.
type UpgradeRefs struct {
	CustomerID     string
	SubscriptionID string
}

// PlanService drives all plan transitions for billing accounts.
type PlanService interface {
	// Upgrade moves the account to a higher tier. Only invoked by the
	// webhook reconciler after a confirmed checkout; applying the same
	// confirmed upgrade twice is a no-op.
	Upgrade(ctx context.Context, tenantID uuid.UUID, target domain.PlanTier, refs UpgradeRefs) error

	// RequestDowngrade validates current usage against the target plan's
	// caps and schedules the change after the grace period. Returns an
	// ECONFLICT error enumerating every violated cap when usage is too high.
	RequestDowngrade(ctx context.Context, tenantID uuid.UUID, target domain.PlanTier) (*domain.PendingPlanChange, error)

	// CancelDowngrade clears a scheduled downgrade before it executes.
	CancelDowngrade(ctx context.Context, tenantID uuid.UUID) error

	// ExecutePendingDowngrades applies every due scheduled downgrade.
	// Tenants are processed independently: one failure does not abort
	// the batch. Returns the number applied.
	ExecutePendingDowngrades(ctx context.Context) (int, error)

	// Cancel handles a subscription-deleted event: back to Free, balance
	// zeroed, status canceled.
	Cancel(ctx context.Context, tenantID uuid.UUID) error

	// MarkPastDue records a failed payment without altering plan or balance.
	MarkPastDue(ctx context.Context, tenantID uuid.UUID) error

	// UpdateSubscriptionStatus applies a processor-reported status and
	// refreshes the next billing date when the processor supplied one.
	UpdateSubscriptionStatus(ctx context.Context, tenantID uuid.UUID, processorStatus string, periodEnd *time.Time) error
}

// =============================================================================
// Implementation
// =============================================================================

type planService struct {
	db       repository.DB
	accounts repository.AccountRepository
	ledger   repository.LedgerRepository
	usage    repository.UsageRepository
	logger   *slog.Logger
}

// NewPlanService creates a new PlanService.
func NewPlanService(
	db repository.DB,
	accounts repository.AccountRepository,
	ledger repository.LedgerRepository,
	usage repository.UsageRepository,
	logger *slog.Logger,
) PlanService {
	return &planService{
		db:       db,
		accounts: accounts,
		ledger:   ledger,
		usage:    usage,
		logger:   logger,
	}
}

func (s *planService) Upgrade(ctx context.Context, tenantID uuid.UUID, target domain.PlanTier, refs UpgradeRefs) error {
	const op = "plan.upgrade"

	return withTx(ctx, s.db, func(tx pgx.Tx) error {
		account, err := s.accounts.GetForUpdate(ctx, tx, tenantID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.NotFound(op, "billing account", tenantID.String())
			}
			return domain.Internal(err, op, "failed to lock billing account")
		}

		// Redundant application of an already-confirmed upgrade (webhook
		// replay or out-of-order delivery) is safe to skip.
		if account.Plan == target && account.StripeSubscriptionID == refs.SubscriptionID {
			s.logger.Info("upgrade already applied", "tenant_id", tenantID, "plan", target)
			return nil
		}

		if !domain.IsUpgrade(account.Plan, target) {
			return domain.InvalidUpgradePath(op, account.Plan, target)
		}

		targetLimits := domain.LookupPlan(target)
		grant := targetLimits.MonthlyCredits

		// Moving off Free with the initial grant untouched replaces it
		// with the new plan's allotment; any consumption means the
		// allotment is added on top of the remainder. Paid-to-paid
		// upgrades always add.
		delta := grant
		freeInitial := domain.LookupPlan(domain.PlanFree).InitialCredits
		if account.Plan == domain.PlanFree &&
			account.CreditBalance == freeInitial && account.CycleCreditsUsed == 0 {
			delta = grant - account.CreditBalance
		}

		newBalance := account.CreditBalance + delta
		if err := s.accounts.UpdateBalance(ctx, tx, tenantID, newBalance, 0); err != nil {
			return domain.Internal(err, op, "failed to update balance")
		}
		if delta != 0 {
			if err := s.ledger.Insert(ctx, tx, &domain.CreditTransaction{
				TenantID:      tenantID,
				Type:          domain.TransactionBonus,
				Amount:        delta,
				BalanceBefore: account.CreditBalance,
				BalanceAfter:  newBalance,
				Reason:        "plan upgrade to " + string(target),
			}); err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		nextBilling := now.Add(billingPeriod)
		account.Plan = target
		account.Status = domain.SubscriptionStatusActive
		account.UnlimitedCredits = targetLimits.UnlimitedCredits
		if refs.CustomerID != "" {
			account.StripeCustomerID = refs.CustomerID
		}
		if refs.SubscriptionID != "" {
			account.StripeSubscriptionID = refs.SubscriptionID
		}
		account.NextBillingDate = &nextBilling
		account.PlanStartedAt = now
		if err := s.accounts.UpdatePlan(ctx, tx, account); err != nil {
			return domain.Internal(err, op, "failed to update plan")
		}

		s.logger.Info("plan upgraded",
			"tenant_id", tenantID,
			"plan", target,
			"credit_delta", delta,
			"new_balance", newBalance,
		)
		return nil
	})
}

func (s *planService) RequestDowngrade(ctx context.Context, tenantID uuid.UUID, target domain.PlanTier) (*domain.PendingPlanChange, error) {
	const op = "plan.request_downgrade"

	var pending *domain.PendingPlanChange
	err := withTx(ctx, s.db, func(tx pgx.Tx) error {
		account, err := s.accounts.GetForUpdate(ctx, tx, tenantID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.NotFound(op, "billing account", tenantID.String())
			}
			return domain.Internal(err, op, "failed to lock billing account")
		}

		if !domain.IsDowngrade(account.Plan, target) {
			return domain.Invalid(op, "downgrade target must be a lower tier than the current plan")
		}

		violations, err := s.usageViolations(ctx, tenantID, domain.LookupPlan(target))
		if err != nil {
			return domain.Internal(err, op, "failed to check current usage")
		}
		if len(violations) > 0 {
			return domain.DowngradeBlocked(op, target, violations)
		}

		pending = &domain.PendingPlanChange{
			TargetPlan:  target,
			EffectiveAt: time.Now().UTC().Add(DowngradeGracePeriod),
			Reason:      "downgrade requested",
		}
		if err := s.accounts.SetPendingChange(ctx, tx, tenantID, pending); err != nil {
			return domain.Internal(err, op, "failed to schedule downgrade")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("downgrade scheduled",
		"tenant_id", tenantID,
		"target", pending.TargetPlan,
		"effective_at", pending.EffectiveAt,
	)
	return pending, nil
}

// usageViolations compares current resource usage against a plan's caps.
func (s *planService) usageViolations(ctx context.Context, tenantID uuid.UUID, limits domain.PlanLimits) ([]domain.LimitViolation, error) {
	var violations []domain.LimitViolation

	drivers, err := s.usage.CountDrivers(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if limits.MaxDrivers != domain.Unlimited && drivers > limits.MaxDrivers {
		violations = append(violations, domain.LimitViolation{
			Resource: "drivers",
			Current:  drivers,
			Limit:    limits.MaxDrivers,
		})
	}

	maxDocs, err := s.usage.MaxDocumentsPerDriver(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if limits.MaxDocsPerDriver != domain.Unlimited && maxDocs > limits.MaxDocsPerDriver {
		violations = append(violations, domain.LimitViolation{
			Resource: "documents_per_driver",
			Current:  maxDocs,
			Limit:    limits.MaxDocsPerDriver,
		})
	}

	return violations, nil
}

func (s *planService) CancelDowngrade(ctx context.Context, tenantID uuid.UUID) error {
	const op = "plan.cancel_downgrade"

	return withTx(ctx, s.db, func(tx pgx.Tx) error {
		account, err := s.accounts.GetForUpdate(ctx, tx, tenantID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.NotFound(op, "billing account", tenantID.String())
			}
			return domain.Internal(err, op, "failed to lock billing account")
		}

		if account.Pending == nil {
			return domain.Conflict(op, "no pending downgrade to cancel")
		}
		if err := s.accounts.ClearPendingChange(ctx, tx, tenantID); err != nil {
			return domain.Internal(err, op, "failed to clear pending downgrade")
		}

		s.logger.Info("downgrade canceled", "tenant_id", tenantID, "target", account.Pending.TargetPlan)
		return nil
	})
}

func (s *planService) ExecutePendingDowngrades(ctx context.Context) (int, error) {
	const op = "plan.execute_downgrades"

	now := time.Now().UTC()
	due, err := s.accounts.ListDuePendingChanges(ctx, now)
	if err != nil {
		return 0, domain.Internal(err, op, "failed to list due downgrades")
	}

	executed := 0
	for _, tenantID := range due {
		if err := s.executeDowngrade(ctx, tenantID, now); err != nil {
			metrics.DowngradeSweepFailures.Inc()
			s.logger.Error("downgrade execution failed", "tenant_id", tenantID, "error", err)
			continue
		}
		executed++
		metrics.DowngradeSweepExecuted.Inc()
	}
	return executed, nil
}

func (s *planService) executeDowngrade(ctx context.Context, tenantID uuid.UUID, now time.Time) error {
	const op = "plan.execute_downgrade"

	return withTx(ctx, s.db, func(tx pgx.Tx) error {
		account, err := s.accounts.GetForUpdate(ctx, tx, tenantID)
		if err != nil {
			return domain.Internal(err, op, "failed to lock billing account")
		}

		// The pending change may have been canceled or replaced between
		// listing and locking.
		if account.Pending == nil || account.Pending.EffectiveAt.After(now) {
			return nil
		}

		target := account.Pending.TargetPlan
		targetLimits := domain.LookupPlan(target)

		// Downgrade does not preserve rollover: the balance resets to
		// the target plan's initial allotment.
		newBalance := targetLimits.InitialCredits
		delta := newBalance - account.CreditBalance
		if err := s.accounts.UpdateBalance(ctx, tx, tenantID, newBalance, 0); err != nil {
			return domain.Internal(err, op, "failed to reset balance")
		}
		if delta != 0 {
			if err := s.ledger.Insert(ctx, tx, &domain.CreditTransaction{
				TenantID:      tenantID,
				Type:          domain.TransactionAdjustment,
				Amount:        delta,
				BalanceBefore: account.CreditBalance,
				BalanceAfter:  newBalance,
				Reason:        "plan downgrade to " + string(target),
			}); err != nil {
				return err
			}
		}

		account.Plan = target
		account.UnlimitedCredits = targetLimits.UnlimitedCredits
		account.PlanStartedAt = now
		if err := s.accounts.UpdatePlan(ctx, tx, account); err != nil {
			return domain.Internal(err, op, "failed to apply downgrade")
		}

		s.logger.Info("downgrade executed",
			"tenant_id", tenantID,
			"plan", target,
			"new_balance", newBalance,
		)
		return nil
	})
}

func (s *planService) Cancel(ctx context.Context, tenantID uuid.UUID) error {
	const op = "plan.cancel"

	return withTx(ctx, s.db, func(tx pgx.Tx) error {
		account, err := s.accounts.GetForUpdate(ctx, tx, tenantID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.NotFound(op, "billing account", tenantID.String())
			}
			return domain.Internal(err, op, "failed to lock billing account")
		}

		if err := s.accounts.UpdateBalance(ctx, tx, tenantID, 0, 0); err != nil {
			return domain.Internal(err, op, "failed to zero balance")
		}
		if account.CreditBalance != 0 {
			if err := s.ledger.Insert(ctx, tx, &domain.CreditTransaction{
				TenantID:      tenantID,
				Type:          domain.TransactionAdjustment,
				Amount:        -account.CreditBalance,
				BalanceBefore: account.CreditBalance,
				BalanceAfter:  0,
				Reason:        "subscription canceled",
			}); err != nil {
				return err
			}
		}

		account.Plan = domain.PlanFree
		account.Status = domain.SubscriptionStatusCanceled
		account.UnlimitedCredits = false
		account.StripeSubscriptionID = ""
		account.NextBillingDate = nil
		account.PlanStartedAt = time.Now().UTC()
		if err := s.accounts.UpdatePlan(ctx, tx, account); err != nil {
			return domain.Internal(err, op, "failed to reset plan")
		}

		s.logger.Info("subscription canceled", "tenant_id", tenantID)
		return nil
	})
}

func (s *planService) MarkPastDue(ctx context.Context, tenantID uuid.UUID) error {
	const op = "plan.mark_past_due"

	err := s.accounts.SetStatus(ctx, s.db, tenantID, domain.SubscriptionStatusPastDue, nil)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NotFound(op, "billing account", tenantID.String())
		}
		return domain.Internal(err, op, "failed to set past_due")
	}
	s.logger.Warn("subscription past due", "tenant_id", tenantID)
	return nil
}

func (s *planService) UpdateSubscriptionStatus(ctx context.Context, tenantID uuid.UUID, processorStatus string, periodEnd *time.Time) error {
	const op = "plan.update_status"

	status := domain.MapProcessorStatus(processorStatus)
	err := s.accounts.SetStatus(ctx, s.db, tenantID, status, periodEnd)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NotFound(op, "billing account", tenantID.String())
		}
		return domain.Internal(err, op, "failed to update subscription status")
	}
	s.logger.Info("subscription status updated",
		"tenant_id", tenantID,
		"processor_status", processorStatus,
		"status", status,
	)
	return nil
}
