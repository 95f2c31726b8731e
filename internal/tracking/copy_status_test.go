package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyStatusStore_EnsureExists_Missing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT table_name FROM information_schema.tables").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}))

	store := NewCopyStatusStore(db)
	err = store.EnsureExists(context.Background())
	assert.Error(t, err)
}

func TestCopyStatusStore_EnsureExists_Present(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT table_name FROM information_schema.tables").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("etl_copy_status"))

	store := NewCopyStatusStore(db)
	require.NoError(t, store.EnsureExists(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyStatusStore_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO etl_copy_status").
		WithArgs("patient", sqlmock.AnyArg(), int64(5), StatusSuccess, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewCopyStatusStore(db)
	err = store.Upsert(context.Background(), CopyStatus{
		TableName:  "patient",
		LastCopied: time.Now().UTC(),
		RowsCopied: 5,
		CopyStatus: StatusSuccess,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyStatusStore_Get_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT table_name, last_copied").
		WithArgs("claim").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "last_copied", "rows_copied", "copy_status", "last_primary_value", "primary_column_name"}))

	store := NewCopyStatusStore(db)
	_, ok, err := store.Get(context.Background(), "claim")
	require.NoError(t, err)
	assert.False(t, ok)
}
