package pgexec

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Fake is a minimal, scriptable Executor for tests. There is no
// pgx-compatible equivalent of go-sqlmock, so call sequencing is asserted by
// the test itself rather than by the fake.
type Fake struct {
	ExecFunc     func(ctx context.Context, sqlText string, args ...any) (pgconn.CommandTag, error)
	QueryFunc    func(ctx context.Context, sqlText string, args ...any) (pgx.Rows, error)
	QueryRowFunc func(ctx context.Context, sqlText string, args ...any) pgx.Row

	ExecCalls     []string
	QueryCalls    []string
	QueryRowCalls []string
}

func (f *Fake) Exec(ctx context.Context, sqlText string, args ...any) (pgconn.CommandTag, error) {
	f.ExecCalls = append(f.ExecCalls, sqlText)
	if f.ExecFunc != nil {
		return f.ExecFunc(ctx, sqlText, args...)
	}
	return pgconn.CommandTag{}, nil
}

func (f *Fake) Query(ctx context.Context, sqlText string, args ...any) (pgx.Rows, error) {
	f.QueryCalls = append(f.QueryCalls, sqlText)
	if f.QueryFunc != nil {
		return f.QueryFunc(ctx, sqlText, args...)
	}
	return nil, nil
}

func (f *Fake) QueryRow(ctx context.Context, sqlText string, args ...any) pgx.Row {
	f.QueryRowCalls = append(f.QueryRowCalls, sqlText)
	if f.QueryRowFunc != nil {
		return f.QueryRowFunc(ctx, sqlText, args...)
	}
	return fakeRow{}
}

// fakeRow is a pgx.Row that always reports no rows.
type fakeRow struct{}

func (fakeRow) Scan(dest ...any) error {
	return pgx.ErrNoRows
}
