// Package connmanager implements the scoped, single-connection-reuse,
// rate-limited, retrying wrapper around a pooled connection. A Manager is
// single-threaded: callers that need parallelism create one manager per
// worker.
package connmanager

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/opendental-analytics/etl-core/internal/etlerrors"
	"github.com/opendental-analytics/etl-core/internal/etllog"
)

// RetryPolicy bounds how a Manager retries a failed query.
type RetryPolicy struct {
	MaxAttempts int           // total attempts per query, including the first
	BaseDelay   time.Duration // attempt N sleeps BaseDelay * 2^(N-1) before retrying
	MinInterval time.Duration // minimum time between successive queries on this manager
}

// DefaultRetryPolicy: 3 attempts, 1s base
// backoff, 100ms rate limit.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	MinInterval: 100 * time.Millisecond,
}

// MySQLManager reuses a single *sql.Conn across calls within its scope.
type MySQLManager struct {
	db     *sql.DB
	policy RetryPolicy
	log    func(table string, attempt int, err error)

	mu       sync.Mutex
	conn     *sql.Conn
	lastCall time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// NewMySQLManager builds a Manager over db using the default retry policy.
func NewMySQLManager(db *sql.DB) *MySQLManager {
	return &MySQLManager{
		db:     db,
		policy: DefaultRetryPolicy,
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// WithPolicy overrides the retry policy (tests use this to shrink delays).
func (m *MySQLManager) WithPolicy(p RetryPolicy) *MySQLManager {
	m.policy = p
	return m
}

// WithClock overrides the time source and sleep function (tests use this to
// avoid real wall-clock delays while still exercising the retry count).
func (m *MySQLManager) WithClock(now func() time.Time, sleep func(time.Duration)) *MySQLManager {
	m.now = now
	m.sleep = sleep
	return m
}

// Close closes the current connection, if any. Call when the scope exits.
func (m *MySQLManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		err := m.conn.Close()
		m.conn = nil
		return err
	}
	return nil
}

func (m *MySQLManager) acquireLocked(ctx context.Context) error {
	if m.conn != nil {
		return nil
	}
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return &etlerrors.ConnectionError{DBType: "mysql", Cause: err}
	}
	m.conn = conn
	return nil
}

func (m *MySQLManager) disposeLocked() {
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

func (m *MySQLManager) rateLimitLocked() {
	if m.lastCall.IsZero() {
		return
	}
	elapsed := m.now().Sub(m.lastCall)
	if elapsed < m.policy.MinInterval {
		m.sleep(m.policy.MinInterval - elapsed)
	}
}

// run executes attempt against the current connection, retrying with
// exponential backoff and a fresh connection on every retryable failure, up
// to MaxAttempts total attempts.
func (m *MySQLManager) run(ctx context.Context, table, query string, attempt func(conn *sql.Conn) error) error {
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

		if !IsRetryableMySQLError(err) {
			break
		}

		etllog.Get("connmanager").Warnw("retrying transient MySQL error",
			"table", table, "attempt", i, "error", err)

		m.disposeLocked()
		if i < m.policy.MaxAttempts {
			m.sleep(m.policy.BaseDelay * (1 << (i - 1)))
		}
	}

	return &etlerrors.QueryError{Table: table, SQL: query, Cause: lastErr}
}

// ExecContext runs a non-SELECT statement with retry.
func (m *MySQLManager) ExecContext(ctx context.Context, table, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := m.run(ctx, table, query, func(conn *sql.Conn) error {
		var execErr error
		res, execErr = conn.ExecContext(ctx, query, args...)
		return execErr
	})
	return res, err
}

// QueryContext runs a SELECT with retry. The caller must close the returned
// rows.
func (m *MySQLManager) QueryContext(ctx context.Context, table, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := m.run(ctx, table, query, func(conn *sql.Conn) error {
		var queryErr error
		rows, queryErr = conn.QueryContext(ctx, query, args...)
		return queryErr
	})
	return rows, err
}

// QueryRowContext runs a single-row SELECT. Only failures to acquire a
// connection are retried: *sql.Row defers any query error to Scan, and an
// error returned by Scan is not retried.
func (m *MySQLManager) QueryRowContext(ctx context.Context, table, query string, args ...any) (*sql.Row, error) {
	var row *sql.Row
	err := m.run(ctx, table, query, func(conn *sql.Conn) error {
		row = conn.QueryRowContext(ctx, query, args...)
		return nil
	})
	return row, err
}
