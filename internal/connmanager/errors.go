package connmanager

import (
	"errors"
	"io"
	"net"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// Retryable MySQL driver error numbers: lock wait timeout, deadlock,
// connection-count exhaustion, server shutdown, and the two "server went
// away"/"server lost"
// codes the go-sql-driver surfaces after a dropped connection. Enumerated
// explicitly: "the exact set of retryable driver error codes
// differs between MySQL drivers; the implementation must enumerate them
// rather than catching all errors."
var retryableMySQLErrorNumbers = map[uint16]bool{
	1205: true, // ER_LOCK_WAIT_TIMEOUT
	1213: true, // ER_LOCK_DEADLOCK
	1040: true, // ER_CON_COUNT_ERROR
	1053: true, // ER_SERVER_SHUTDOWN
	2006: true, // CR_SERVER_GONE_ERROR
	2013: true, // CR_SERVER_LOST
}

// IsRetryableMySQLError classifies a MySQL error by its driver error code/
// sqlstate, not by string matching.
func IsRetryableMySQLError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, mysqldriver.ErrInvalidConn) {
		return true
	}
	var mysqlErr *mysqldriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return retryableMySQLErrorNumbers[mysqlErr.Number]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Retryable PostgreSQL sqlstates: connection exceptions and the two
// concurrency failures (serialization failure, deadlock detected).
var retryablePostgresSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"08001": true, // sqlclient_unable_to_establish_sqlconnection
	"08004": true, // sqlserver_rejected_establishment_of_sqlconnection
}

// IsRetryablePostgresError classifies a PostgreSQL error by sqlstate.
func IsRetryablePostgresError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryablePostgresSQLStates[pgErr.Code]
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
