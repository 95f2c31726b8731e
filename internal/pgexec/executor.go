// Package pgexec defines the narrow PostgreSQL execution surface that the
// schema adapter, loader, and tracking packages depend on. Depending on this
// interface instead of *pgxpool.Pool directly lets tests substitute an
// in-memory fake; there is no pgx-compatible equivalent of go-sqlmock in the
// dependency set.
package pgexec

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Executor is satisfied by *pgxpool.Pool, by the table-bound executor that
// connmanager.PostgresManager.BoundTo returns, and by test fakes.
// *connmanager.PostgresManager itself does not satisfy it, since its methods
// also take a table name.
type Executor interface {
	Exec(ctx context.Context, sqlText string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sqlText string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sqlText string, args ...any) pgx.Row
}
