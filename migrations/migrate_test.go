package migrations_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kirinyoku/tix-bus/internal/testutil"
	"github.com/kirinyoku/tix-bus/migrations"
)

func TestApply_IsIdempotent(t *testing.T) {
	pool := testutil.NewTestPool(t)
	ctx := context.Background()

	var before int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&before))
	require.GreaterOrEqual(t, before, 1)

	require.NoError(t, migrations.Apply(ctx, pool))

	var after int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&after))
	require.Equal(t, before, after)
}
