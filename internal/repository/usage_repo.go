package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// UsageRepository reads current resource usage for limit checks and
// downgrade validation. The driver/document tables are owned by the CRUD
// layer; the billing engine only counts rows.
type UsageRepository interface {
	// CountDrivers returns the number of non-deleted drivers for a tenant.
	CountDrivers(ctx context.Context, tenantID uuid.UUID) (int64, error)

	// MaxDocumentsPerDriver returns the highest document count held by
	// any single driver of the tenant, 0 when there are none.
	MaxDocumentsPerDriver(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

type usageRepo struct {
	db DB
}

// NewUsageRepo creates a UsageRepository backed by the given pool.
func NewUsageRepo(db DB) UsageRepository {
	return &usageRepo{db: db}
}

func (r *usageRepo) CountDrivers(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	query := `SELECT COUNT(*) FROM drivers WHERE company_id = $1 AND deleted_at IS NULL`
	var n int64
	if err := r.db.QueryRow(ctx, query, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count drivers: %w", err)
	}
	return n, nil
}

func (r *usageRepo) MaxDocumentsPerDriver(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	query := `
		SELECT COALESCE(MAX(doc_count), 0) FROM (
			SELECT COUNT(*) AS doc_count
			FROM driver_documents d
			JOIN drivers dr ON dr.id = d.driver_id
			WHERE dr.company_id = $1 AND d.deleted_at IS NULL AND dr.deleted_at IS NULL
			GROUP BY d.driver_id
		) counts
	`
	var n int64
	if err := r.db.QueryRow(ctx, query, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("max documents per driver: %w", err)
	}
	return n, nil
}
