package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/db"
	"phaseline/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	before, err := migrate.Current(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, before)

	require.NoError(t, migrate.Migrate(ctx, conn))
	require.NoError(t, migrate.Migrate(ctx, conn))

	latest, err := migrate.Latest()
	require.NoError(t, err)
	current, err := migrate.Current(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, latest, current)

	for _, table := range []string{"reports", "catalog_items", "phase_instances", "versions", "decision_records", "batch_jobs", "batch_job_items", "job_checkpoints", "events"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}
