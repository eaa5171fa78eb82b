// Package service contains the business logic layer of the billing engine.
package service

import (
	"context"
	"fmt"

	"github.com/fleetdock/fleetdock/internal/repository"
	"github.com/jackc/pgx/v5"
)

// withTx runs fn inside a transaction, rolling back on error. Every
// balance or plan mutation goes through here so the row lock taken by
// GetForUpdate serializes concurrent operations per tenant.
func withTx(ctx context.Context, db repository.DB, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
