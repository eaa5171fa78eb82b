package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fleetdock/fleetdock/internal/domain"
	"github.com/google/uuid"
)

// LedgerRepository persists immutable credit transactions. Rows are only
// inserted, never updated or deleted.
type LedgerRepository interface {
	// Insert appends one transaction. Must run in the same transaction
	// that holds the account row lock so the balanceBefore/balanceAfter
	// chain stays contiguous.
	Insert(ctx context.Context, q DBTX, t *domain.CreditTransaction) error

	// ListByTenant returns transactions newest first.
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.CreditTransaction, error)

	// SumAmounts returns the sum of all transaction deltas for a tenant.
	// Used to verify the ledger replay invariant against the derived balance.
	SumAmounts(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

type ledgerRepo struct {
	db DB
}

// NewLedgerRepo creates a LedgerRepository backed by the given pool.
func NewLedgerRepo(db DB) LedgerRepository {
	return &ledgerRepo{db: db}
}

func (r *ledgerRepo) Insert(ctx context.Context, q DBTX, t *domain.CreditTransaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	var metadata []byte
	if t.Metadata != nil {
		var err error
		metadata, err = json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("marshal transaction metadata: %w", err)
		}
	}

	query := `
		INSERT INTO credit_transactions (id, tenant_id, type, amount,
			balance_before, balance_after, reason, document_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := q.Exec(ctx, query,
		t.ID,
		t.TenantID,
		t.Type,
		t.Amount,
		t.BalanceBefore,
		t.BalanceAfter,
		t.Reason,
		t.DocumentID,
		metadata,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert credit transaction: %w", err)
	}
	return nil
}

func (r *ledgerRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.CreditTransaction, error) {
	query := `
		SELECT id, tenant_id, type, amount, balance_before, balance_after,
			reason, document_id, metadata, created_at
		FROM credit_transactions
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list credit transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.CreditTransaction
	for rows.Next() {
		var (
			t        domain.CreditTransaction
			metadata []byte
		)
		err := rows.Scan(
			&t.ID,
			&t.TenantID,
			&t.Type,
			&t.Amount,
			&t.BalanceBefore,
			&t.BalanceAfter,
			&t.Reason,
			&t.DocumentID,
			&metadata,
			&t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan credit transaction: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal transaction metadata: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *ledgerRepo) SumAmounts(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE tenant_id = $1`
	var sum int64
	if err := r.db.QueryRow(ctx, query, tenantID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum credit transactions: %w", err)
	}
	return sum, nil
}
