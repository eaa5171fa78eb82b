package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetdock/fleetdock/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("repository: not found")

// AccountRepository persists per-tenant billing accounts.
type AccountRepository interface {
	// Create inserts a new billing account row.
	Create(ctx context.Context, q DBTX, a *domain.BillingAccount) error

	// GetByTenant loads an account by tenant id.
	GetByTenant(ctx context.Context, tenantID uuid.UUID) (*domain.BillingAccount, error)

	// GetByStripeCustomer resolves an account from its external customer
	// reference. Returns ErrNotFound when no account matches.
	GetByStripeCustomer(ctx context.Context, customerID string) (*domain.BillingAccount, error)

	// GetForUpdate loads an account inside the caller's transaction with a
	// row lock, serializing concurrent balance and plan mutations per tenant.
	GetForUpdate(ctx context.Context, q DBTX, tenantID uuid.UUID) (*domain.BillingAccount, error)

	// UpdateBalance writes the derived balance and cycle-usage counter.
	// Must run inside the transaction that holds the row lock.
	UpdateBalance(ctx context.Context, q DBTX, tenantID uuid.UUID, balance, cycleUsed int64) error

	// UpdatePlan writes the plan transition fields in one statement.
	UpdatePlan(ctx context.Context, q DBTX, a *domain.BillingAccount) error

	// SetStatus updates the subscription status and optionally the next
	// billing date.
	SetStatus(ctx context.Context, q DBTX, tenantID uuid.UUID, status domain.SubscriptionStatus, nextBilling *time.Time) error

	// SetStripeCustomer persists the external customer reference.
	SetStripeCustomer(ctx context.Context, tenantID uuid.UUID, customerID string) error

	// SetPendingChange schedules a downgrade.
	SetPendingChange(ctx context.Context, q DBTX, tenantID uuid.UUID, p *domain.PendingPlanChange) error

	// ClearPendingChange removes a scheduled downgrade.
	ClearPendingChange(ctx context.Context, q DBTX, tenantID uuid.UUID) error

	// ListDuePendingChanges returns tenants whose scheduled downgrade is due.
	ListDuePendingChanges(ctx context.Context, now time.Time) ([]uuid.UUID, error)

	// Archive soft-archives an account on tenant deletion.
	Archive(ctx context.Context, tenantID uuid.UUID) error
}

type accountRepo struct {
	db DB
}

// NewAccountRepo creates an AccountRepository backed by the given pool.
func NewAccountRepo(db DB) AccountRepository {
	return &accountRepo{db: db}
}

const accountColumns = `tenant_id, plan, status, credit_balance, unlimited_credits,
	cycle_credits_used, pending_plan, pending_effective_at, pending_reason,
	stripe_customer_id, stripe_subscription_id, next_billing_date,
	plan_started_at, archived_at, created_at, updated_at`

func (r *accountRepo) Create(ctx context.Context, q DBTX, a *domain.BillingAccount) error {
	query := `
		INSERT INTO billing_accounts (tenant_id, plan, status, credit_balance,
			unlimited_credits, cycle_credits_used, stripe_customer_id,
			stripe_subscription_id, plan_started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`
	_, err := q.Exec(ctx, query,
		a.TenantID,
		a.Plan,
		a.Status,
		a.CreditBalance,
		a.UnlimitedCredits,
		a.CycleCreditsUsed,
		a.StripeCustomerID,
		a.StripeSubscriptionID,
		a.PlanStartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert billing account: %w", err)
	}
	return nil
}

func (r *accountRepo) GetByTenant(ctx context.Context, tenantID uuid.UUID) (*domain.BillingAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM billing_accounts WHERE tenant_id = $1`
	return r.scanAccount(r.db.QueryRow(ctx, query, tenantID))
}

func (r *accountRepo) GetByStripeCustomer(ctx context.Context, customerID string) (*domain.BillingAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM billing_accounts WHERE stripe_customer_id = $1 AND archived_at IS NULL`
	return r.scanAccount(r.db.QueryRow(ctx, query, customerID))
}

func (r *accountRepo) GetForUpdate(ctx context.Context, q DBTX, tenantID uuid.UUID) (*domain.BillingAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM billing_accounts WHERE tenant_id = $1 FOR UPDATE`
	return r.scanAccount(q.QueryRow(ctx, query, tenantID))
}

func (r *accountRepo) scanAccount(row pgx.Row) (*domain.BillingAccount, error) {
	var (
		a                    domain.BillingAccount
		pendingPlan          *string
		pendingEffectiveAt   *time.Time
		pendingReason        *string
		stripeCustomerID     *string
		stripeSubscriptionID *string
	)
	err := row.Scan(
		&a.TenantID,
		&a.Plan,
		&a.Status,
		&a.CreditBalance,
		&a.UnlimitedCredits,
		&a.CycleCreditsUsed,
		&pendingPlan,
		&pendingEffectiveAt,
		&pendingReason,
		&stripeCustomerID,
		&stripeSubscriptionID,
		&a.NextBillingDate,
		&a.PlanStartedAt,
		&a.ArchivedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan billing account: %w", err)
	}
	if stripeCustomerID != nil {
		a.StripeCustomerID = *stripeCustomerID
	}
	if stripeSubscriptionID != nil {
		a.StripeSubscriptionID = *stripeSubscriptionID
	}
	if pendingPlan != nil && pendingEffectiveAt != nil {
		a.Pending = &domain.PendingPlanChange{
			TargetPlan:  domain.PlanTier(*pendingPlan),
			EffectiveAt: *pendingEffectiveAt,
		}
		if pendingReason != nil {
			a.Pending.Reason = *pendingReason
		}
	}
	return &a, nil
}

func (r *accountRepo) UpdateBalance(ctx context.Context, q DBTX, tenantID uuid.UUID, balance, cycleUsed int64) error {
	query := `
		UPDATE billing_accounts
		SET credit_balance = $2, cycle_credits_used = $3, updated_at = NOW()
		WHERE tenant_id = $1
	`
	tag, err := q.Exec(ctx, query, tenantID, balance, cycleUsed)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *accountRepo) UpdatePlan(ctx context.Context, q DBTX, a *domain.BillingAccount) error {
	query := `
		UPDATE billing_accounts
		SET plan = $2, status = $3, unlimited_credits = $4,
			stripe_customer_id = $5, stripe_subscription_id = $6,
			next_billing_date = $7, plan_started_at = $8,
			pending_plan = NULL, pending_effective_at = NULL, pending_reason = NULL,
			updated_at = NOW()
		WHERE tenant_id = $1
	`
	tag, err := q.Exec(ctx, query,
		a.TenantID,
		a.Plan,
		a.Status,
		a.UnlimitedCredits,
		a.StripeCustomerID,
		a.StripeSubscriptionID,
		a.NextBillingDate,
		a.PlanStartedAt,
	)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *accountRepo) SetStatus(ctx context.Context, q DBTX, tenantID uuid.UUID, status domain.SubscriptionStatus, nextBilling *time.Time) error {
	query := `
		UPDATE billing_accounts
		SET status = $2, next_billing_date = COALESCE($3, next_billing_date), updated_at = NOW()
		WHERE tenant_id = $1
	`
	tag, err := q.Exec(ctx, query, tenantID, status, nextBilling)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *accountRepo) SetStripeCustomer(ctx context.Context, tenantID uuid.UUID, customerID string) error {
	query := `
		UPDATE billing_accounts
		SET stripe_customer_id = $2, updated_at = NOW()
		WHERE tenant_id = $1
	`
	tag, err := r.db.Exec(ctx, query, tenantID, customerID)
	if err != nil {
		return fmt.Errorf("set stripe customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *accountRepo) SetPendingChange(ctx context.Context, q DBTX, tenantID uuid.UUID, p *domain.PendingPlanChange) error {
	query := `
		UPDATE billing_accounts
		SET pending_plan = $2, pending_effective_at = $3, pending_reason = $4, updated_at = NOW()
		WHERE tenant_id = $1
	`
	tag, err := q.Exec(ctx, query, tenantID, p.TargetPlan, p.EffectiveAt, p.Reason)
	if err != nil {
		return fmt.Errorf("set pending change: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *accountRepo) ClearPendingChange(ctx context.Context, q DBTX, tenantID uuid.UUID) error {
	query := `
		UPDATE billing_accounts
		SET pending_plan = NULL, pending_effective_at = NULL, pending_reason = NULL, updated_at = NOW()
		WHERE tenant_id = $1
	`
	tag, err := q.Exec(ctx, query, tenantID)
	if err != nil {
		return fmt.Errorf("clear pending change: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *accountRepo) ListDuePendingChanges(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	query := `
		SELECT tenant_id FROM billing_accounts
		WHERE pending_effective_at IS NOT NULL AND pending_effective_at <= $1
			AND archived_at IS NULL
		ORDER BY pending_effective_at
	`
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list due pending changes: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *accountRepo) Archive(ctx context.Context, tenantID uuid.UUID) error {
	query := `
		UPDATE billing_accounts
		SET archived_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $1 AND archived_at IS NULL
	`
	tag, err := r.db.Exec(ctx, query, tenantID)
	if err != nil {
		return fmt.Errorf("archive account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
