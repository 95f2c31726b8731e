package loader

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5"
	"github.com/opendental-analytics/etl-core/internal/config"
	"github.com/opendental-analytics/etl-core/internal/pgexec"
	"github.com/opendental-analytics/etl-core/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoaderTestSettings(t *testing.T, tables map[string]any) *settings.Settings {
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

// valueRow is a pgx.Row over a fixed set of already-typed values, for tests
// that need a QueryRow call to actually return data rather than
// pgx.ErrNoRows.
type valueRow struct{ vals []any }

func (r valueRow) Scan(dest ...any) error {
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.vals[i]))
	}
	return nil
}

func assertAnyContains(t *testing.T, calls []string, substr string) {
	t.Helper()
	for _, c := range calls {
		if strings.Contains(c, substr) {
			return
		}
	}
	t.Fatalf("no call among %v contains %q", calls, substr)
}

func assertNoneContains(t *testing.T, calls []string, substr string) {
	t.Helper()
	for _, c := range calls {
		if strings.Contains(c, substr) {
			t.Fatalf("call %q unexpectedly contains %q", c, substr)
		}
	}
}

func TestStrategyFor(t *testing.T) {
	assert.Equal(t, "standard", strategyFor(config.TableConfig{PerformanceCategory: config.Small}))
	assert.Equal(t, "standard", strategyFor(config.TableConfig{PerformanceCategory: config.Medium}))
	assert.Equal(t, "chunked", strategyFor(config.TableConfig{PerformanceCategory: config.Large}))
	assert.Equal(t, "chunked", strategyFor(config.TableConfig{PerformanceCategory: config.XLarge}))
	assert.Equal(t, "chunked", strategyFor(config.TableConfig{PerformanceCategory: config.Small, EstimatedSizeMB: 150}))
	assert.Equal(t, "chunked", strategyFor(config.TableConfig{PerformanceCategory: config.Small, EstimatedRows: 2_000_000}))
}

func TestBuildExtractionQuery_FullRefresh(t *testing.T) {
	cfg := config.TableConfig{TableName: "patient", IncrementalColumns: []string{"DateTStamp"}}
	q, args := buildExtractionQuery(cfg, true, nil)
	assert.Equal(t, "SELECT * FROM `patient`", q)
	assert.Nil(t, args)
}

func TestBuildExtractionQuery_SingleColumnIncremental(t *testing.T) {
	cfg := config.TableConfig{TableName: "patient", IncrementalColumns: []string{"DateTStamp"}}
	now := time.Now().UTC()
	q, args := buildExtractionQuery(cfg, false, &now)
	assert.Equal(t, "SELECT * FROM `patient` WHERE `DateTStamp` > ?", q)
	assert.Equal(t, []any{now}, args)
}

func TestBuildExtractionQuery_MultiColumnIncremental(t *testing.T) {
	cfg := config.TableConfig{TableName: "claim", IncrementalColumns: []string{"ProcDate", "DateTStamp"}}
	now := time.Now().UTC()
	q, _ := buildExtractionQuery(cfg, false, &now)
	assert.Equal(t, "SELECT * FROM `claim` WHERE `ProcDate` > ? OR `DateTStamp` > ?", q)
}

func TestInsertStatement_WithPrimaryKey(t *testing.T) {
	stmt, _ := insertStatement(config.Raw, "patient", []string{"PatNum", "LName"}, 1, []string{"PatNum"})
	assert.Contains(t, stmt, `INSERT INTO raw."patient" ("PatNum", "LName") VALUES ($1, $2)`)
	assert.Contains(t, stmt, `ON CONFLICT ("PatNum") DO UPDATE SET`)
}

func TestInsertStatement_NoPrimaryKey(t *testing.T) {
	stmt, _ := insertStatement(config.Raw, "log", []string{"Msg"}, 1, nil)
	assert.NotContains(t, stmt, "ON CONFLICT")
}

const patientDDL = "CREATE TABLE `patient` (" +
	"`PatNum` int NOT NULL, `LName` varchar(50) NOT NULL, PRIMARY KEY (`PatNum`))"

// TestLoadTable_FullRefresh_S1 walks a table with no load history through a
// full load: schema creation, truncate, and insert.
func TestLoadTable_FullRefresh_S1(t *testing.T) {
	replication, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer replication.Close()

	mock.ExpectQuery("SHOW CREATE TABLE `patient`").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("patient", patientDDL))
	mock.ExpectQuery("SELECT \\* FROM `patient`").
		WillReturnRows(sqlmock.NewRows([]string{"PatNum", "LName"}).AddRow(1, "Smith"))

	fake := &pgexec.Fake{}

	st := newLoaderTestSettings(t, map[string]any{
		"tables": map[string]any{
			"patient": map[string]any{
				"table_name":           "patient",
				"performance_category": "small",
			},
		},
	})

	l := New(replication, fake, st, config.Raw)
	ok := l.LoadTable(context.Background(), "patient", false)
	require.True(t, ok)

	assertAnyContains(t, fake.ExecCalls, `CREATE SCHEMA IF NOT EXISTS raw`)
	assertAnyContains(t, fake.ExecCalls, `CREATE TABLE IF NOT EXISTS raw."patient"`)
	assertAnyContains(t, fake.ExecCalls, `TRUNCATE TABLE raw."patient"`)
	assertAnyContains(t, fake.ExecCalls, `INSERT INTO raw."patient"`)
	assertAnyContains(t, fake.ExecCalls, `etl_load_status`)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestLoadTable_Incremental_S2 drives a table with a watermark column and a
// prior successful run: the load skips the truncate and extracts only rows
// newer than the recorded watermark (invariant: watermark read gates the
// extraction predicate, not the row scan).
func TestLoadTable_Incremental_S2(t *testing.T) {
	replication, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer replication.Close()

	ddl := "CREATE TABLE `claim` (" +
		"`ClaimNum` int NOT NULL, `DateTStamp` datetime NOT NULL, PRIMARY KEY (`ClaimNum`))"
	mock.ExpectQuery("SHOW CREATE TABLE `claim`").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("claim", ddl))

	lastLoaded := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT \\* FROM `claim` WHERE `DateTStamp` > \\?").
		WithArgs(lastLoaded).
		WillReturnRows(sqlmock.NewRows([]string{"ClaimNum", "DateTStamp"}).AddRow(9, lastLoaded.Add(24*time.Hour)))

	st := newLoaderTestSettings(t, map[string]any{
		"tables": map[string]any{
			"claim": map[string]any{
				"table_name":           "claim",
				"performance_category": "small",
				"extraction_strategy":  "incremental",
				"incremental_columns":  []any{"DateTStamp"},
				"primary_keys":         []any{"ClaimNum"},
			},
		},
	})

	realFake := &pgexec.Fake{
		QueryRowFunc: func(ctx context.Context, sqlText string, args ...any) pgx.Row {
			return valueRow{vals: []any{"claim", lastLoaded, int64(100), "success"}}
		},
	}

	l := New(replication, realFake, st, config.Raw)
	ok := l.LoadTable(context.Background(), "claim", false)
	require.True(t, ok)

	assertAnyContains(t, realFake.ExecCalls, `INSERT INTO raw."claim"`)
	assertAnyContains(t, realFake.ExecCalls, `ON CONFLICT ("ClaimNum")`)
	assertNoneContains(t, realFake.ExecCalls, `TRUNCATE`)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestVerifyLoad_CountsMatch and TestVerifyLoad_CountsMismatch exercise the
// verify_load row-count comparison (invariant #2).
func TestVerifyLoad_CountsMatch(t *testing.T) {
	replication, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer replication.Close()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM `patient`").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(5)))

	fake := &pgexec.Fake{
		QueryRowFunc: func(ctx context.Context, sqlText string, args ...any) pgx.Row {
			return valueRow{vals: []any{int64(5)}}
		},
	}

	st := newLoaderTestSettings(t, map[string]any{"tables": map[string]any{}})
	l := New(replication, fake, st, config.Raw)

	ok, err := l.VerifyLoad(context.Background(), "patient")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyLoad_CountsMismatch(t *testing.T) {
	replication, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer replication.Close()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM `patient`").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(5)))

	fake := &pgexec.Fake{
		QueryRowFunc: func(ctx context.Context, sqlText string, args ...any) pgx.Row {
			return valueRow{vals: []any{int64(3)}}
		},
	}

	st := newLoaderTestSettings(t, map[string]any{"tables": map[string]any{}})
	l := New(replication, fake, st, config.Raw)

	ok, err := l.VerifyLoad(context.Background(), "patient")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestLoadTable_S5_IdempotentRerun runs the same full-refresh load twice;
// both truncate-and-rebuild, so a rerun converges rather than duplicating.
func TestLoadTable_S5_IdempotentRerun(t *testing.T) {
	st := newLoaderTestSettings(t, map[string]any{
		"tables": map[string]any{
			"patient": map[string]any{
				"table_name":           "patient",
				"performance_category": "small",
			},
		},
	})

	runOnce := func() {
		replication, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer replication.Close()

		mock.ExpectQuery("SHOW CREATE TABLE `patient`").
			WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("patient", patientDDL))
		mock.ExpectQuery("SELECT \\* FROM `patient`").
			WillReturnRows(sqlmock.NewRows([]string{"PatNum", "LName"}).AddRow(1, "Smith"))

		fake := &pgexec.Fake{}
		l := New(replication, fake, st, config.Raw)
		ok := l.LoadTable(context.Background(), "patient", false)
		require.True(t, ok)
		assertAnyContains(t, fake.ExecCalls, `TRUNCATE TABLE raw."patient"`)
		require.NoError(t, mock.ExpectationsWereMet())
	}

	runOnce()
	runOnce()
}
