package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/opendental-analytics/etl-core/internal/pgexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadStatusStore_EnsureExists(t *testing.T) {
	fake := &pgexec.Fake{}
	store := NewLoadStatusStore(fake, "raw")
	require.NoError(t, store.EnsureExists(context.Background()))
	require.Len(t, fake.ExecCalls, 1)
	assert.Contains(t, fake.ExecCalls[0], "raw.etl_load_status")
}

func TestLoadStatusStore_Upsert(t *testing.T) {
	var gotSQL string
	fake := &pgexec.Fake{
		ExecFunc: func(ctx context.Context, sqlText string, args ...any) (pgconn.CommandTag, error) {
			gotSQL = sqlText
			return pgconn.CommandTag{}, nil
		},
	}
	store := NewLoadStatusStore(fake, "raw")
	err := store.Upsert(context.Background(), LoadStatus{
		TableName:  "claim",
		LastLoaded: time.Now().UTC(),
		RowsLoaded: 1234,
		LoadStatus: StatusSuccess,
	})
	require.NoError(t, err)
	assert.Contains(t, gotSQL, "ON CONFLICT (table_name)")
}
