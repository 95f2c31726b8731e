package connmanager

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opendental-analytics/etl-core/internal/etlerrors"
	"github.com/opendental-analytics/etl-core/internal/etllog"
	"github.com/opendental-analytics/etl-core/internal/pgexec"
)

// PostgresManager is the PostgreSQL analogue of MySQLManager: it reuses a
// single pooled connection across calls, rate-limits, and retries transient
// failures with a fresh connection.
type PostgresManager struct {
	pool   *pgxpool.Pool
	policy RetryPolicy

	mu       sync.Mutex
	conn     *pgxpool.Conn
	lastCall time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// NewPostgresManager builds a Manager over pool using the default retry
// policy.
func NewPostgresManager(pool *pgxpool.Pool) *PostgresManager {
	return &PostgresManager{
		pool:   pool,
		policy: DefaultRetryPolicy,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

func (m *PostgresManager) WithPolicy(p RetryPolicy) *PostgresManager {
	m.policy = p
	return m
}

func (m *PostgresManager) WithClock(now func() time.Time, sleep func(time.Duration)) *PostgresManager {
	m.now = now
	m.sleep = sleep
	return m
}

// Close releases the current connection, if any.
func (m *PostgresManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Release()
		m.conn = nil
	}
}

func (m *PostgresManager) acquireLocked(ctx context.Context) error {
	if m.conn != nil {
		return nil
	}
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return &etlerrors.ConnectionError{DBType: "postgres", Cause: err}
	}
	m.conn = conn
	return nil
}

func (m *PostgresManager) disposeLocked() {
	if m.conn != nil {
		m.conn.Release()
		m.conn = nil
	}
}

func (m *PostgresManager) rateLimitLocked() {
	if m.lastCall.IsZero() {
		return
	}
	elapsed := m.now().Sub(m.lastCall)
	if elapsed < m.policy.MinInterval {
		m.sleep(m.policy.MinInterval - elapsed)
	}
}

func (m *PostgresManager) run(ctx context.Context, table, query string, attempt func(conn *pgxpool.Conn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rateLimitLocked()
	m.lastCall = m.now()

	var lastErr error
	for i := 1; i <= m.policy.MaxAttempts; i++ {
		if err := m.acquireLocked(ctx); err != nil {
			lastErr = err
			m.disposeLocked()
			if i < m.policy.MaxAttempts {
				m.sleep(m.policy.BaseDelay * (1 << (i - 1)))
				continue
			}
			break
		}

		err := attempt(m.conn)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsRetryablePostgresError(err) {
			break
		}

		etllog.Get("connmanager").Warnw("retrying transient PostgreSQL error",
			"table", table, "attempt", i, "error", err)

		m.disposeLocked()
		if i < m.policy.MaxAttempts {
			m.sleep(m.policy.BaseDelay * (1 << (i - 1)))
		}
	}

	return &etlerrors.QueryError{Table: table, SQL: query, Cause: lastErr}
}

// Exec runs a non-SELECT statement with retry.
func (m *PostgresManager) Exec(ctx context.Context, table, sqlText string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := m.run(ctx, table, sqlText, func(conn *pgxpool.Conn) error {
		var execErr error
		tag, execErr = conn.Exec(ctx, sqlText, args...)
		return execErr
	})
	return tag, err
}

// Query runs a SELECT with retry. The caller must close the returned rows.
func (m *PostgresManager) Query(ctx context.Context, table, sqlText string, args ...any) (pgx.Rows, error) {
	var rows pgx.Rows
	err := m.run(ctx, table, sqlText, func(conn *pgxpool.Conn) error {
		var queryErr error
		rows, queryErr = conn.Query(ctx, sqlText, args...)
		return queryErr
	})
	return rows, err
}

// QueryRow runs a single-row SELECT. As with MySQLManager's
// QueryRowContext, only failures to acquire a connection are retried: pgx
// defers any query error to Scan, and an error returned by Scan is not
// retried. When every attempt fails to acquire a connection, the returned
// pgx.Row yields that error from Scan.
func (m *PostgresManager) QueryRow(ctx context.Context, table, sqlText string, args ...any) pgx.Row {
	var row pgx.Row
	err := m.run(ctx, table, sqlText, func(conn *pgxpool.Conn) error {
		row = conn.QueryRow(ctx, sqlText, args...)
		return nil
	})
	if err != nil {
		return errRow{err: err}
	}
	return row
}

type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }

// BoundTo returns a pgexec.Executor bound to table, so callers that already
// depend on pgexec.Executor (the Schema Adapter, the loader's row writes) get
// Connection Manager retry/rate-limit behavior without changing their
// signatures.
func (m *PostgresManager) BoundTo(table string) pgexec.Executor {
	return &tableExecutor{mgr: m, table: table}
}

type tableExecutor struct {
	mgr   *PostgresManager
	table string
}

func (e *tableExecutor) Exec(ctx context.Context, sqlText string, args ...any) (pgconn.CommandTag, error) {
	return e.mgr.Exec(ctx, e.table, sqlText, args...)
}

func (e *tableExecutor) Query(ctx context.Context, sqlText string, args ...any) (pgx.Rows, error) {
	return e.mgr.Query(ctx, e.table, sqlText, args...)
}

func (e *tableExecutor) QueryRow(ctx context.Context, sqlText string, args ...any) pgx.Row {
	return e.mgr.QueryRow(ctx, e.table, sqlText, args...)
}
