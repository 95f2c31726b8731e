package replicator

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/opendental-analytics/etl-core/internal/config"
	"github.com/opendental-analytics/etl-core/internal/settings"
	"github.com/opendental-analytics/etl-core/internal/tracking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSettings(t *testing.T, tables map[string]any) *settings.Settings {
	t.Helper()
	provider := config.NewDictConfigProvider(
		map[string]any{"general": map[string]any{"parallel_jobs": 2}},
		tables,
		map[string]string{},
	)
	st, err := settings.New(config.Test, provider)
	require.NoError(t, err)
	return st
}

func TestCopyTable_NoConfig(t *testing.T) {
	source, _, err := sqlmock.New()
	require.NoError(t, err)
	defer source.Close()
	target, _, err := sqlmock.New()
	require.NoError(t, err)
	defer target.Close()

	st := newTestSettings(t, map[string]any{"tables": map[string]any{}})
	r := New(source, target, st)

	ok := r.CopyTable(context.Background(), "patient", false)
	assert.False(t, ok)
}

func TestCopyTable_MissingTrackingTable(t *testing.T) {
	source, _, err := sqlmock.New()
	require.NoError(t, err)
	defer source.Close()

	target, targetMock, err := sqlmock.New()
	require.NoError(t, err)
	defer target.Close()

	targetMock.ExpectQuery("SELECT table_name FROM information_schema.tables").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}))

	st := newTestSettings(t, map[string]any{
		"tables": map[string]any{
			"patient": map[string]any{
				"table_name":           "patient",
				"performance_category": "small",
			},
		},
	})
	r := New(source, target, st)

	ok := r.CopyTable(context.Background(), "patient", false)
	assert.False(t, ok)
}

func TestUpsertSQL(t *testing.T) {
	sqlText := upsertSQL("patient", []string{"PatNum", "LName"}, 2)
	assert.Contains(t, sqlText, "INSERT INTO `patient` (`PatNum`, `LName`) VALUES (?,?), (?,?)")
	assert.Contains(t, sqlText, "ON DUPLICATE KEY UPDATE `PatNum` = VALUES(`PatNum`), `LName` = VALUES(`LName`)")
}

func expectNoTrackingRow(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT table_name, last_copied").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "last_copied", "rows_copied", "copy_status", "last_primary_value", "primary_column_name"}))
}

func expectCopyStatusTableExists(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT table_name FROM information_schema.tables").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("etl_copy_status"))
}

// TestCopyTable_FullRefresh_S1 walks a table with no incremental
// configuration through a full refresh: truncate, drain, upsert.
func TestCopyTable_FullRefresh_S1(t *testing.T) {
	source, sourceMock, err := sqlmock.New()
	require.NoError(t, err)
	defer source.Close()

	target, targetMock, err := sqlmock.New()
	require.NoError(t, err)
	defer target.Close()

	expectCopyStatusTableExists(targetMock)
	expectNoTrackingRow(targetMock)

	targetMock.ExpectExec("TRUNCATE TABLE `patient`").WillReturnResult(sqlmock.NewResult(0, 0))
	sourceMock.ExpectQuery("SELECT \\* FROM `patient`").
		WillReturnRows(sqlmock.NewRows([]string{"PatNum", "LName"}).AddRow(1, "Smith").AddRow(2, "Jones"))
	targetMock.ExpectExec("INSERT INTO `patient`").
		WithArgs(1, "Smith", 2, "Jones").
		WillReturnResult(sqlmock.NewResult(0, 2))
	targetMock.ExpectExec("INSERT INTO etl_copy_status").
		WithArgs("patient", sqlmock.AnyArg(), int64(2), tracking.StatusSuccess, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	st := newTestSettings(t, map[string]any{
		"tables": map[string]any{
			"patient": map[string]any{
				"table_name":           "patient",
				"performance_category": "small",
			},
		},
	})
	r := New(source, target, st)

	ok := r.CopyTable(context.Background(), "patient", false)
	assert.True(t, ok)
	require.NoError(t, sourceMock.ExpectationsWereMet())
	require.NoError(t, targetMock.ExpectationsWereMet())
}

// TestCopyTable_PrimaryIncremental_S2 drives the primary-incremental-column
// strategy: the watermark comes from MAX(col) on the target table, not from
// etl_copy_status, so a first run with a configured primary column still
// goes incremental once the target already has rows.
func TestCopyTable_PrimaryIncremental_S2(t *testing.T) {
	source, sourceMock, err := sqlmock.New()
	require.NoError(t, err)
	defer source.Close()

	target, targetMock, err := sqlmock.New()
	require.NoError(t, err)
	defer target.Close()

	expectCopyStatusTableExists(targetMock)
	expectNoTrackingRow(targetMock)

	targetMock.ExpectQuery("SELECT MAX\\(`PatNum`\\) FROM `patient`").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow("5"))
	sourceMock.ExpectQuery("SELECT \\* FROM `patient` WHERE `PatNum` > \\? ORDER BY `PatNum` LIMIT \\?").
		WithArgs("5", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"PatNum", "LName"}).AddRow(6, "Lee"))
	targetMock.ExpectExec("INSERT INTO `patient`").
		WithArgs(6, "Lee").
		WillReturnResult(sqlmock.NewResult(0, 1))
	targetMock.ExpectExec("INSERT INTO etl_copy_status").
		WithArgs("patient", sqlmock.AnyArg(), int64(1), tracking.StatusSuccess, "6", "PatNum").
		WillReturnResult(sqlmock.NewResult(0, 1))

	col := "PatNum"
	st := newTestSettings(t, map[string]any{
		"tables": map[string]any{
			"patient": map[string]any{
				"table_name":                 "patient",
				"performance_category":       "small",
				"primary_incremental_column": col,
			},
		},
	})
	r := New(source, target, st)

	ok := r.CopyTable(context.Background(), "patient", false)
	assert.True(t, ok)
	require.NoError(t, sourceMock.ExpectationsWereMet())
	require.NoError(t, targetMock.ExpectationsWereMet())
}

// TestCopyTable_MultiColumnIncremental_S3 drives the multi-column watermark
// strategy: the highest watermark across all configured columns gates the
// OR-predicate extraction query.
func TestCopyTable_MultiColumnIncremental_S3(t *testing.T) {
	source, sourceMock, err := sqlmock.New()
	require.NoError(t, err)
	defer source.Close()

	target, targetMock, err := sqlmock.New()
	require.NoError(t, err)
	defer target.Close()

	expectCopyStatusTableExists(targetMock)
	expectNoTrackingRow(targetMock)

	targetMock.ExpectQuery("SELECT MAX\\(`ProcDate`\\) FROM `claim`").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow("2026-01-01"))
	targetMock.ExpectQuery("SELECT MAX\\(`DateTStamp`\\) FROM `claim`").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	sourceMock.ExpectQuery("SELECT \\* FROM `claim` WHERE `ProcDate` > \\? OR `DateTStamp` > \\?").
		WithArgs("2026-01-01", "2026-01-01").
		WillReturnRows(sqlmock.NewRows([]string{"ClaimNum", "ProcDate"}).AddRow(9, "2026-01-02"))
	targetMock.ExpectExec("INSERT INTO `claim`").
		WithArgs(9, "2026-01-02").
		WillReturnResult(sqlmock.NewResult(0, 1))
	targetMock.ExpectExec("INSERT INTO etl_copy_status").
		WithArgs("claim", sqlmock.AnyArg(), int64(1), tracking.StatusSuccess, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	st := newTestSettings(t, map[string]any{
		"tables": map[string]any{
			"claim": map[string]any{
				"table_name":           "claim",
				"performance_category": "small",
				"incremental_columns":  []any{"ProcDate", "DateTStamp"},
			},
		},
	})
	r := New(source, target, st)

	ok := r.CopyTable(context.Background(), "claim", false)
	assert.True(t, ok)
	require.NoError(t, sourceMock.ExpectationsWereMet())
	require.NoError(t, targetMock.ExpectationsWereMet())
}

// TestCopyTable_S5_IdempotentRerun runs the same full-refresh table copy
// twice end to end; both runs truncate-and-rebuild so a rerun after a crash
// converges to the same state rather than duplicating rows.
func TestCopyTable_S5_IdempotentRerun(t *testing.T) {
	st := newTestSettings(t, map[string]any{
		"tables": map[string]any{
			"patient": map[string]any{
				"table_name":           "patient",
				"performance_category": "small",
			},
		},
	})

	runOnce := func() {
		source, sourceMock, err := sqlmock.New()
		require.NoError(t, err)
		defer source.Close()

		target, targetMock, err := sqlmock.New()
		require.NoError(t, err)
		defer target.Close()

		expectCopyStatusTableExists(targetMock)
		expectNoTrackingRow(targetMock)
		targetMock.ExpectExec("TRUNCATE TABLE `patient`").WillReturnResult(sqlmock.NewResult(0, 0))
		sourceMock.ExpectQuery("SELECT \\* FROM `patient`").
			WillReturnRows(sqlmock.NewRows([]string{"PatNum", "LName"}).AddRow(1, "Smith"))
		targetMock.ExpectExec("INSERT INTO `patient`").
			WithArgs(1, "Smith").
			WillReturnResult(sqlmock.NewResult(0, 1))
		targetMock.ExpectExec("INSERT INTO etl_copy_status").
			WithArgs("patient", sqlmock.AnyArg(), int64(1), tracking.StatusSuccess, nil, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))

		r := New(source, target, st)
		ok := r.CopyTable(context.Background(), "patient", false)
		assert.True(t, ok)
		require.NoError(t, sourceMock.ExpectationsWereMet())
		require.NoError(t, targetMock.ExpectationsWereMet())
	}

	runOnce()
	runOnce()
}
