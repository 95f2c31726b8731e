// Package tracking implements the UPSERT-based status records described in
// etl_copy_status lives on the replication MySQL and etl_load_status
// on the analytics PostgreSQL, both keyed by table_name.
package tracking

import (
	"context"
	"database/sql"
	"time"

	"github.com/opendental-analytics/etl-core/internal/etlerrors"
)

// CopyStatus mirrors one row of etl_copy_status.
type CopyStatus struct {
	TableName         string
	LastCopied        time.Time
	RowsCopied        int64
	CopyStatus        string // success | failed | running
	LastPrimaryValue  *string
	PrimaryColumnName *string
}

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusRunning = "running"
)

// CopyStatusStore reads and upserts etl_copy_status in the replication
// MySQL. It is deliberately thin: creating the table is out of scope, the
// replicator fails fast if the table is missing.
type CopyStatusStore struct {
	db *sql.DB
}

// NewCopyStatusStore wraps a replication MySQL handle.
func NewCopyStatusStore(db *sql.DB) *CopyStatusStore {
	return &CopyStatusStore{db: db}
}

// EnsureExists fails fast with a configuration error if etl_copy_status is
// not present; the replicator does not create its own tracking schema.
func (s *CopyStatusStore) EnsureExists(ctx context.Context) error {
	var name string
	err := s.db.QueryRowContext(ctx, "SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = 'etl_copy_status' LIMIT 1").Scan(&name)
	if err == sql.ErrNoRows {
		return &etlerrors.ConfigurationError{Section: "tracking", Reason: "etl_copy_status does not exist in the replication database"}
	}
	if err != nil {
		return &etlerrors.ConnectionError{DBType: "mysql", Cause: err}
	}
	return nil
}

// Get returns the current status row for table, or (CopyStatus{}, false) if
// none exists yet.
func (s *CopyStatusStore) Get(ctx context.Context, table string) (CopyStatus, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT table_name, last_copied, rows_copied, copy_status, last_primary_value, primary_column_name FROM etl_copy_status WHERE table_name = ?",
		table,
	)

	var cs CopyStatus
	if err := row.Scan(&cs.TableName, &cs.LastCopied, &cs.RowsCopied, &cs.CopyStatus, &cs.LastPrimaryValue, &cs.PrimaryColumnName); err != nil {
		if err == sql.ErrNoRows {
			return CopyStatus{}, false, nil
		}
		return CopyStatus{}, false, &etlerrors.QueryError{Table: table, SQL: "select etl_copy_status", Cause: err}
	}
	return cs, true, nil
}

// Upsert records the copy outcome for table, overwriting any prior row.
// Status is recorded even on failure.
func (s *CopyStatusStore) Upsert(ctx context.Context, cs CopyStatus) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO etl_copy_status
			(table_name, last_copied, rows_copied, copy_status, last_primary_value, primary_column_name)
		VALUES (?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			last_copied = VALUES(last_copied),
			rows_copied = VALUES(rows_copied),
			copy_status = VALUES(copy_status),
			last_primary_value = VALUES(last_primary_value),
			primary_column_name = VALUES(primary_column_name)`,
		cs.TableName, cs.LastCopied, cs.RowsCopied, cs.CopyStatus, cs.LastPrimaryValue, cs.PrimaryColumnName,
	)
	if err != nil {
		return &etlerrors.QueryError{Table: cs.TableName, SQL: "upsert etl_copy_status", Cause: err}
	}
	return nil
}
