package connmanager

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests drive MySQLManager/PostgresManager's rate limiting
// and backoff without real wall-clock delays.
type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
}

func TestMySQLManager_ExecContext_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE patient").WillReturnResult(sqlmock.NewResult(0, 1))

	mgr := NewMySQLManager(db)
	defer mgr.Close()

	_, err = mgr.ExecContext(context.Background(), "patient", "UPDATE patient SET x=1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLManager_RetriesTransientErrorThenSucceeds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE patient").WillReturnError(mysqldriver.ErrInvalidConn)
	mock.ExpectExec("UPDATE patient").WillReturnResult(sqlmock.NewResult(0, 1))

	clock := &fakeClock{t: time.Unix(0, 0)}
	mgr := NewMySQLManager(db).
		WithPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MinInterval: 0}).
		WithClock(clock.now, clock.sleep)
	defer mgr.Close()

	_, err = mgr.ExecContext(context.Background(), "patient", "UPDATE patient SET x=1")
	require.NoError(t, err)
	assert.Len(t, clock.sleeps, 1, "exactly one backoff sleep before the retry")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLManager_NonRetryableErrorFailsFast(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE patient").WillReturnError(&mysqldriver.MySQLError{Number: 1062, Message: "duplicate entry"})

	clock := &fakeClock{t: time.Unix(0, 0)}
	mgr := NewMySQLManager(db).
		WithPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MinInterval: 0}).
		WithClock(clock.now, clock.sleep)
	defer mgr.Close()

	_, err = mgr.ExecContext(context.Background(), "patient", "UPDATE patient SET x=1")
	require.Error(t, err)
	assert.Empty(t, clock.sleeps, "a non-retryable error must not be retried")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLManager_ExhaustsAttemptsOnRepeatedTransientError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE patient").WillReturnError(mysqldriver.ErrInvalidConn)
	mock.ExpectExec("UPDATE patient").WillReturnError(mysqldriver.ErrInvalidConn)

	clock := &fakeClock{t: time.Unix(0, 0)}
	mgr := NewMySQLManager(db).
		WithPolicy(RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MinInterval: 0}).
		WithClock(clock.now, clock.sleep)
	defer mgr.Close()

	_, err = mgr.ExecContext(context.Background(), "patient", "UPDATE patient SET x=1")
	require.Error(t, err)
	assert.Len(t, clock.sleeps, 1, "MaxAttempts=2 backs off once between the two attempts")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLManager_RateLimitsBackToBackCalls(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE patient").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE patient").WillReturnResult(sqlmock.NewResult(0, 1))

	clock := &fakeClock{t: time.Unix(0, 0)}
	mgr := NewMySQLManager(db).
		WithPolicy(RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond, MinInterval: 100 * time.Millisecond}).
		WithClock(clock.now, clock.sleep)
	defer mgr.Close()

	ctx := context.Background()
	_, err = mgr.ExecContext(ctx, "patient", "UPDATE patient SET x=1")
	require.NoError(t, err)
	assert.Empty(t, clock.sleeps, "first call on a manager never rate-limits")

	_, err = mgr.ExecContext(ctx, "patient", "UPDATE patient SET x=1")
	require.NoError(t, err)
	require.Len(t, clock.sleeps, 1)
	assert.Equal(t, 100*time.Millisecond, clock.sleeps[0])
}

func TestIsRetryableMySQLError(t *testing.T) {
	assert.True(t, IsRetryableMySQLError(mysqldriver.ErrInvalidConn))
	assert.True(t, IsRetryableMySQLError(&mysqldriver.MySQLError{Number: 1205}))
	assert.True(t, IsRetryableMySQLError(&mysqldriver.MySQLError{Number: 2006}))
	assert.False(t, IsRetryableMySQLError(&mysqldriver.MySQLError{Number: 1062}))
	assert.False(t, IsRetryableMySQLError(nil))
	assert.True(t, IsRetryableMySQLError(&net.DNSError{IsTimeout: true}))
}

func TestIsRetryablePostgresError(t *testing.T) {
	assert.True(t, IsRetryablePostgresError(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsRetryablePostgresError(&pgconn.PgError{Code: "08006"}))
	assert.False(t, IsRetryablePostgresError(&pgconn.PgError{Code: "23505"})) // unique_violation
	assert.False(t, IsRetryablePostgresError(nil))
}

func TestErrRow_ScanReturnsStoredError(t *testing.T) {
	want := errors.New("acquire failed")
	row := errRow{err: want}
	assert.Equal(t, want, row.Scan())
}

func TestPostgresManager_BoundToBindsTableName(t *testing.T) {
	mgr := NewPostgresManager(nil)
	exec := mgr.BoundTo("patient")

	te, ok := exec.(*tableExecutor)
	require.True(t, ok)
	assert.Equal(t, "patient", te.table)
	assert.Same(t, mgr, te.mgr)
}
