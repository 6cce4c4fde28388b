//go:build integration

package database_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"certify/internal/platform/config"
	"certify/internal/platform/database"
	"certify/migrations"
	"certify/pkg/testutil/containers"
)

func TestMigrateIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg := containers.GetManager().GetPostgres(t)
	ctx := context.Background()

	pool, err := database.New(ctx, config.DatabaseConfig{URL: pg.DSN, MaxOpenConns: 2, MaxIdleConns: 1})
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, pool.Check(ctx))

	// The container already ran the schema; recording the files must not
	// fail on the existing tables.
	_, err = database.Migrate(ctx, pool.DB(), migrations.FS)
	require.NoError(t, err)

	again, err := database.Migrate(ctx, pool.DB(), migrations.FS)
	require.NoError(t, err)
	assert.Empty(t, again)

	var n int
	require.NoError(t, pool.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 3, n)
}
