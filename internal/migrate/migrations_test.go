package migrate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cropmind/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(filepath.Join(t.TempDir(), "cropmind.db"))
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	latest, err := Latest()
	require.NoError(t, err)
	require.Equal(t, 1, latest)

	v, err := Migrate(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	v, err = Migrate(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, v)

	for _, table := range []string{"users", "farm_profiles", "farm_states", "advice_history", "alerts"} {
		var n int
		require.NoError(t, conn.Get(&n, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table))
		assert.Equal(t, 1, n, table)
	}
}
