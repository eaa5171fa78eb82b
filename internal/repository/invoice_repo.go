package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetdock/fleetdock/internal/domain"
	"github.com/google/uuid"
)

// InvoiceRepository persists billing history records. Rows are written
// only by the webhook reconciler after a confirmed payment event.
type InvoiceRepository interface {
	Insert(ctx context.Context, q DBTX, inv *domain.BillingInvoice) error
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.BillingInvoice, error)

	// NextNumber allocates an invoice number for charges where the
	// processor did not supply one (one-off credit purchases).
	NextNumber(ctx context.Context) (string, error)
}

type invoiceRepo struct {
	db DB
}

// NewInvoiceRepo creates an InvoiceRepository backed by the given pool.
func NewInvoiceRepo(db DB) InvoiceRepository {
	return &invoiceRepo{db: db}
}

func (r *invoiceRepo) Insert(ctx context.Context, q DBTX, inv *domain.BillingInvoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO billing_invoices (id, tenant_id, invoice_number, plan,
			amount_cents, status, paid_at, period_start, period_end,
			stripe_invoice_id, stripe_payment_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := q.Exec(ctx, query,
		inv.ID,
		inv.TenantID,
		inv.InvoiceNumber,
		inv.Plan,
		inv.AmountCents,
		inv.Status,
		inv.PaidAt,
		inv.PeriodStart,
		inv.PeriodEnd,
		inv.StripeInvoiceID,
		inv.StripePaymentRef,
		inv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert billing invoice: %w", err)
	}
	return nil
}

func (r *invoiceRepo) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.BillingInvoice, error) {
	query := `
		SELECT id, tenant_id, invoice_number, plan, amount_cents, status,
			paid_at, period_start, period_end, stripe_invoice_id,
			stripe_payment_ref, created_at
		FROM billing_invoices
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list billing invoices: %w", err)
	}
	defer rows.Close()

	var out []domain.BillingInvoice
	for rows.Next() {
		var inv domain.BillingInvoice
		err := rows.Scan(
			&inv.ID,
			&inv.TenantID,
			&inv.InvoiceNumber,
			&inv.Plan,
			&inv.AmountCents,
			&inv.Status,
			&inv.PaidAt,
			&inv.PeriodStart,
			&inv.PeriodEnd,
			&inv.StripeInvoiceID,
			&inv.StripePaymentRef,
			&inv.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan billing invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (r *invoiceRepo) NextNumber(ctx context.Context) (string, error) {
	var seq int64
	if err := r.db.QueryRow(ctx, `SELECT nextval('billing_invoice_seq')`).Scan(&seq); err != nil {
		return "", fmt.Errorf("next invoice number: %w", err)
	}
	return fmt.Sprintf("FD-%d-%08d", time.Now().UTC().Year(), seq), nil
}
