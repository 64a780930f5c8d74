//go:build integration

package erp

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/erpimport/internal/migrations"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("IMPORT_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("IMPORT_TEST_DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, migrations.Up(ctx, pool))
	_, err = pool.Exec(ctx, `TRUNCATE erp_material_group, erp_customer RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return pool
}

func countRows(t *testing.T, pool *pgxpool.Pool, table, code string) int {
	t.Helper()
	var n int
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT count(*) FROM `+table+` WHERE code = $1`, code).Scan(&n))
	return n
}

func TestPostgresInsertOrGetMaterialGroupRace(t *testing.T) {
	pool := newTestPool(t)
	store := NewPostgresStore(pool)

	ids := raceInsertOrGet(t, store, 16, func(ctx context.Context, w Writer) (int64, error) {
		return w.InsertOrGetMaterialGroup(ctx, MaterialGroup{Code: "X", Name: "Group X"})
	})

	assertSameID(t, ids)
	assert.Equal(t, 1, countRows(t, pool, "erp_material_group", "X"))
}

func TestPostgresInsertOrGetCustomerRace(t *testing.T) {
	pool := newTestPool(t)
	store := NewPostgresStore(pool)

	ids := raceInsertOrGet(t, store, 16, func(ctx context.Context, w Writer) (int64, error) {
		return w.InsertOrGetCustomer(ctx, Customer{Code: "C1", Name: "Acme"})
	})

	assertSameID(t, ids)
	assert.Equal(t, 1, countRows(t, pool, "erp_customer", "C1"))
}

func TestPostgresInsertOrGetKeepsLatestValues(t *testing.T) {
	pool := newTestPool(t)
	store := NewPostgresStore(pool)
	ctx := context.Background()

	var first, second int64
	require.NoError(t, store.WithTx(ctx, func(w Writer) error {
		var err error
		first, err = w.InsertOrGetMaterialGroup(ctx, MaterialGroup{Code: "G", Name: "Old"})
		return err
	}))
	require.NoError(t, store.WithTx(ctx, func(w Writer) error {
		var err error
		second, err = w.InsertOrGetMaterialGroup(ctx, MaterialGroup{Code: "G", Name: "New"})
		return err
	}))

	assert.Equal(t, first, second)
	var name string
	require.NoError(t, pool.QueryRow(ctx, `SELECT name FROM erp_material_group WHERE code = 'G'`).Scan(&name))
	assert.Equal(t, "New", name)
}
