// Package service contains the business logic layer.
//
// This file implements the credit ledger: every balance mutation is one
// atomic unit against the billing account row plus an immutable credit
// transaction, serialized per tenant by a row lock.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/fleetdock/fleetdock/internal/domain"
	"github.com/fleetdock/fleetdock/internal/metrics"
	"github.com/fleetdock/fleetdock/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// =============================================================================
// Interface Definition
// =============================================================================

// LedgerService defines the credit ledger operations. The ledger does
// not deduplicate by content; callers driven by webhook delivery must
// gate replays through the event journal before invoking these.
type LedgerService interface {
	// EnsureAccount returns the tenant's billing account, creating the
	// default Free account with its one-time initial grant on first use.
	EnsureAccount(ctx context.Context, tenantID uuid.UUID) (*domain.BillingAccount, error)

	// GetAccount loads the tenant's billing account.
	// Returns domain.ENOTFOUND if no account exists.
	GetAccount(ctx context.Context, tenantID uuid.UUID) (*domain.BillingAccount, error)

	// Deduct spends credits for a processed document. Fails with an
	// EPAYMENT error carrying balance details when the balance is short;
	// the balance is never mutated on failure.
	Deduct(ctx context.Context, tenantID uuid.UUID, amount int64, reason string, documentID *uuid.UUID) error

	// Refill applies the plan's monthly allotment at cycle renewal.
	// Credits roll over: the allotment is added to the existing balance.
	// No-op for plans without an allotment.
	Refill(ctx context.Context, tenantID uuid.UUID) (*domain.RefillResult, error)

	// Purchase converts a confirmed one-off payment into credits at the
	// fixed exchange rate. Purchased credits never expire or roll back.
	Purchase(ctx context.Context, tenantID uuid.UUID, amountPaidCents int64, paymentRef string) error

	// Bonus grants credits outside the billing cycle. Used by the plan
	// state machine during upgrades.
	Bonus(ctx context.Context, tenantID uuid.UUID, amount int64, reason string) error

	// Adjust applies a signed manual correction. Fails if it would take
	// the balance negative.
	Adjust(ctx context.Context, tenantID uuid.UUID, delta int64, reason string) error

	// Transactions returns the tenant's ledger, newest first.
	Transactions(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.CreditTransaction, error)

	// VerifyLedger checks the replay invariant: the derived balance must
	// equal the sum of all transaction deltas since account creation.
	VerifyLedger(ctx context.Context, tenantID uuid.UUID) error

	// ArchiveAccount soft-archives the account on tenant deletion.
	ArchiveAccount(ctx context.Context, tenantID uuid.UUID) error
}

// =============================================================================
// Implementation
// =============================================================================

type ledgerService struct {
	db       repository.DB
	accounts repository.AccountRepository
	ledger   repository.LedgerRepository
	logger   *slog.Logger
}

// NewLedgerService creates a new LedgerService.
func NewLedgerService(
	db repository.DB,
	accounts repository.AccountRepository,
	ledger repository.LedgerRepository,
	logger *slog.Logger,
) LedgerService {
	return &ledgerService{
		db:       db,
		accounts: accounts,
		ledger:   ledger,
		logger:   logger,
	}
}

func (s *ledgerService) EnsureAccount(ctx context.Context, tenantID uuid.UUID) (*domain.BillingAccount, error) {
	const op = "ledger.ensure_account"

	account, err := s.accounts.GetByTenant(ctx, tenantID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, domain.Internal(err, op, "failed to load billing account")
	}

	free := domain.LookupPlan(domain.PlanFree)
	account = &domain.BillingAccount{
		TenantID:      tenantID,
		Plan:          domain.PlanFree,
		Status:        domain.SubscriptionStatusActive,
		CreditBalance: free.InitialCredits,
		PlanStartedAt: time.Now().UTC(),
	}

	err = withTx(ctx, s.db, func(tx pgx.Tx) error {
		if err := s.accounts.Create(ctx, tx, account); err != nil {
			return err
		}
		return s.ledger.Insert(ctx, tx, &domain.CreditTransaction{
			TenantID:      tenantID,
			Type:          domain.TransactionBonus,
			Amount:        free.InitialCredits,
			BalanceBefore: 0,
			BalanceAfter:  free.InitialCredits,
			Reason:        "initial credit grant",
		})
	})
	if err != nil {
		// Lost a creation race: another request provisioned the account.
		if existing, getErr := s.accounts.GetByTenant(ctx, tenantID); getErr == nil {
			return existing, nil
		}
		return nil, domain.Internal(err, op, "failed to create billing account")
	}

	s.logger.Info("billing account created",
		"tenant_id", tenantID,
		"plan", account.Plan,
		"initial_credits", free.InitialCredits,
	)
	return account, nil
}

func (s *ledgerService) GetAccount(ctx context.Context, tenantID uuid.UUID) (*domain.BillingAccount, error) {
	const op = "ledger.get_account"

	account, err := s.accounts.GetByTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, domain.NotFound(op, "billing account", tenantID.String())
		}
		return nil, domain.Internal(err, op, "failed to load billing account")
	}
	return account, nil
}

func (s *ledgerService) Deduct(ctx context.Context, tenantID uuid.UUID, amount int64, reason string, documentID *uuid.UUID) error {
	const op = "ledger.deduct"

	if amount <= 0 {
		return domain.Invalid(op, "deduction amount must be positive")
	}

	err := withTx(ctx, s.db, func(tx pgx.Tx) error {
		account, err := s.accounts.GetForUpdate(ctx, tx, tenantID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.NotFound(op, "billing account", tenantID.String())
			}
			return domain.Internal(err, op, "failed to lock billing account")
		}

		// Unlimited plans track cycle usage but keep no finite balance,
		// so there is no ledger row to append.
		if account.UnlimitedCredits {
			return s.accounts.UpdateBalance(ctx, tx, tenantID, account.CreditBalance, account.CycleCreditsUsed+amount)
		}

		if account.CreditBalance < amount {
			return domain.InsufficientCredits(op, amount, account.CreditBalance)
		}

		newBalance := account.CreditBalance - amount
		if err := s.accounts.UpdateBalance(ctx, tx, tenantID, newBalance, account.CycleCreditsUsed+amount); err != nil {
			return domain.Internal(err, op, "failed to update balance")
		}
		return s.ledger.Insert(ctx, tx, &domain.CreditTransaction{
			TenantID:      tenantID,
			Type:          domain.TransactionUsed,
			Amount:        -amount,
			BalanceBefore: account.CreditBalance,
			BalanceAfter:  newBalance,
			Reason:        reason,
			DocumentID:    documentID,
		})
	})
	if err != nil {
		return err
	}

	metrics.LedgerTransactionsTotal.WithLabelValues(string(domain.TransactionUsed)).Inc()
	metrics.CreditsSpentTotal.Add(float64(amount))
	s.logger.Info("credits deducted", "tenant_id", tenantID, "amount", amount, "reason", reason)
	return nil
}

func (s *ledgerService) Refill(ctx context.Context, tenantID uuid.UUID) (*domain.RefillResult, error) {
	const op = "ledger.refill"

	var result domain.RefillResult
	err := withTx(ctx, s.db, func(tx pgx.Tx) error {
		account, err := s.accounts.GetForUpdate(ctx, tx, tenantID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.NotFound(op, "billing account", tenantID.String())
			}
			return domain.Internal(err, op, "failed to lock billing account")
		}

		if account.UnlimitedCredits {
			result = domain.RefillResult{Outcome: domain.RefillUnlimited, NewBalance: account.CreditBalance}
			return nil
		}

		plan := account.Limits()
		if plan.MonthlyCredits == 0 {
			result = domain.RefillResult{Outcome: domain.RefillNotApplicable, NewBalance: account.CreditBalance}
			return nil
		}

		newBalance := account.CreditBalance + plan.MonthlyCredits
		if err := s.accounts.UpdateBalance(ctx, tx, tenantID, newBalance, 0); err != nil {
			return domain.Internal(err, op, "failed to update balance")
		}
		if err := s.ledger.Insert(ctx, tx, &domain.CreditTransaction{
			TenantID:      tenantID,
			Type:          domain.TransactionRefill,
			Amount:        plan.MonthlyCredits,
			BalanceBefore: account.CreditBalance,
			BalanceAfter:  newBalance,
			Reason:        "monthly credit refill",
		}); err != nil {
			return err
		}

		result = domain.RefillResult{
			Outcome:    domain.RefillApplied,
			Granted:    plan.MonthlyCredits,
			NewBalance: newBalance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Outcome == domain.RefillApplied {
		metrics.LedgerTransactionsTotal.WithLabelValues(string(domain.TransactionRefill)).Inc()
		s.logger.Info("credits refilled",
			"tenant_id", tenantID,
			"granted", result.Granted,
			"new_balance", result.NewBalance,
		)
	}
	return &result, nil
}

func (s *ledgerService) Purchase(ctx context.Context, tenantID uuid.UUID, amountPaidCents int64, paymentRef string) error {
	const op = "ledger.purchase"

	credits := domain.CreditsForAmount(amountPaidCents)
	if credits <= 0 {
		return domain.Invalid(op, "paid amount converts to zero credits")
	}

	err := withTx(ctx, s.db, func(tx pgx.Tx) error {
		account, err := s.accounts.GetForUpdate(ctx, tx, tenantID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.NotFound(op, "billing account", tenantID.String())
			}
			return domain.Internal(err, op, "failed to lock billing account")
		}

		newBalance := account.CreditBalance + credits
		if err := s.accounts.UpdateBalance(ctx, tx, tenantID, newBalance, account.CycleCreditsUsed); err != nil {
			return domain.Internal(err, op, "failed to update balance")
		}
		return s.ledger.Insert(ctx, tx, &domain.CreditTransaction{
			TenantID:      tenantID,
			Type:          domain.TransactionPurchase,
			Amount:        credits,
			BalanceBefore: account.CreditBalance,
			BalanceAfter:  newBalance,
			Reason:        "credit purchase",
			Metadata: map[string]string{
				"amount_paid_cents": formatInt(amountPaidCents),
				"payment_ref":       paymentRef,
			},
		})
	})
	if err != nil {
		return err
	}

	metrics.LedgerTransactionsTotal.WithLabelValues(string(domain.TransactionPurchase)).Inc()
	s.logger.Info("credits purchased",
		"tenant_id", tenantID,
		"credits", credits,
		"amount_paid_cents", amountPaidCents,
	)
	return nil
}

func (s *ledgerService) Bonus(ctx context.Context, tenantID uuid.UUID, amount int64, reason string) error {
	const op = "ledger.bonus"

	if amount <= 0 {
		return domain.Invalid(op, "bonus amount must be positive")
	}

	err := withTx(ctx, s.db, func(tx pgx.Tx) error {
		account, err := s.accounts.GetForUpdate(ctx, tx, tenantID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.NotFound(op, "billing account", tenantID.String())
			}
			return domain.Internal(err, op, "failed to lock billing account")
		}

		newBalance := account.CreditBalance + amount
		if err := s.accounts.UpdateBalance(ctx, tx, tenantID, newBalance, account.CycleCreditsUsed); err != nil {
			return domain.Internal(err, op, "failed to update balance")
		}
		return s.ledger.Insert(ctx, tx, &domain.CreditTransaction{
			TenantID:      tenantID,
			Type:          domain.TransactionBonus,
			Amount:        amount,
			BalanceBefore: account.CreditBalance,
			BalanceAfter:  newBalance,
			Reason:        reason,
		})
	})
	if err != nil {
		return err
	}

	metrics.LedgerTransactionsTotal.WithLabelValues(string(domain.TransactionBonus)).Inc()
	return nil
}

func (s *ledgerService) Adjust(ctx context.Context, tenantID uuid.UUID, delta int64, reason string) error {
	const op = "ledger.adjust"

	if delta == 0 {
		return domain.Invalid(op, "adjustment delta must be non-zero")
	}

	err := withTx(ctx, s.db, func(tx pgx.Tx) error {
		account, err := s.accounts.GetForUpdate(ctx, tx, tenantID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return domain.NotFound(op, "billing account", tenantID.String())
			}
			return domain.Internal(err, op, "failed to lock billing account")
		}

		newBalance := account.CreditBalance + delta
		if newBalance < 0 {
			return domain.Invalid(op, "adjustment would make balance negative")
		}
		if err := s.accounts.UpdateBalance(ctx, tx, tenantID, newBalance, account.CycleCreditsUsed); err != nil {
			return domain.Internal(err, op, "failed to update balance")
		}
		return s.ledger.Insert(ctx, tx, &domain.CreditTransaction{
			TenantID:      tenantID,
			Type:          domain.TransactionAdjustment,
			Amount:        delta,
			BalanceBefore: account.CreditBalance,
			BalanceAfter:  newBalance,
			Reason:        reason,
		})
	})
	if err != nil {
		return err
	}

	metrics.LedgerTransactionsTotal.WithLabelValues(string(domain.TransactionAdjustment)).Inc()
	return nil
}

func (s *ledgerService) Transactions(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.CreditTransaction, error) {
	const op = "ledger.transactions"

	if limit <= 0 || limit > 100 {
		limit = 50
	}
	txns, err := s.ledger.ListByTenant(ctx, tenantID, limit, offset)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list transactions")
	}
	return txns, nil
}

func (s *ledgerService) VerifyLedger(ctx context.Context, tenantID uuid.UUID) error {
	const op = "ledger.verify"

	account, err := s.GetAccount(ctx, tenantID)
	if err != nil {
		return err
	}
	sum, err := s.ledger.SumAmounts(ctx, tenantID)
	if err != nil {
		return domain.Internal(err, op, "failed to sum transactions")
	}
	if !account.UnlimitedCredits && sum != account.CreditBalance {
		return domain.Errorf(domain.EINTERNAL, op,
			"ledger out of balance: transactions sum to %d but balance is %d", sum, account.CreditBalance)
	}
	return nil
}

func (s *ledgerService) ArchiveAccount(ctx context.Context, tenantID uuid.UUID) error {
	const op = "ledger.archive_account"

	if err := s.accounts.Archive(ctx, tenantID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.NotFound(op, "billing account", tenantID.String())
		}
		return domain.Internal(err, op, "failed to archive account")
	}
	s.logger.Info("billing account archived", "tenant_id", tenantID)
	return nil
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
