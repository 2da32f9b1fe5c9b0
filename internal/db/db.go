// Package db provides hand-written, sqlc-style data access for the durable
// store (C1): tenants, api_keys, webhooks, webhook_dead_letter, daily_rollup,
// provider_usage, and audit_log.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, *pgxpool.Conn, and pgx.Tx, so Queries
// can run against a pool or inside a transaction without duplicating code.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries bundles all durable-store operations behind a single handle.
type Queries struct {
	db DBTX
}

// New creates a Queries backed by the given pool, connection, or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a Queries bound to the given transaction, for callers that
// need several statements to commit atomically.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}
