// Package repository provides PostgreSQL persistence for the billing engine.
//
// Repositories hold a pooled connection for standalone reads. Methods that
// must participate in a caller-owned transaction (the ledger's atomic
// read-modify-write pairs) accept an explicit DBTX so the service layer
// controls transaction boundaries and row locking.
package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of pgx operations shared by pools and transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is a connection source that can also open transactions.
// *pgxpool.Pool satisfies it, as does pgxmock's pool interface in tests.
type DB interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}
