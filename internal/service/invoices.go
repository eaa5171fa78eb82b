package service

import (
	"context"
	"log/slog"

	"github.com/fleetdock/fleetdock/internal/domain"
	"github.com/fleetdock/fleetdock/internal/repository"
	"github.com/google/uuid"
)

// InvoiceService exposes the tenant's invoice history.
type InvoiceService interface {
	// History returns the tenant's invoices, newest first.
	History(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.BillingInvoice, error)
}

type invoiceService struct {
	invoices repository.InvoiceRepository
	logger   *slog.Logger
}

// NewInvoiceService creates a new InvoiceService.
func NewInvoiceService(invoices repository.InvoiceRepository, logger *slog.Logger) InvoiceService {
	return &invoiceService{invoices: invoices, logger: logger}
}

func (s *invoiceService) History(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]domain.BillingInvoice, error) {
	const op = "invoices.history"

	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	list, err := s.invoices.ListByTenant(ctx, tenantID, limit, offset)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list invoices")
	}
	return list, nil
}
