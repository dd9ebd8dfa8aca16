package db

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesPragmas(t *testing.T) {
	ws := t.TempDir()
	conn, err := Open(Config{Workspace: ws})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	var mode string
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	assert.FileExists(t, filepath.Join(ws, ".phaseline", "phaseline.db"))
}

func TestWriteTransactionsSerialize(t *testing.T) {
	ws := t.TempDir()
	first, err := Open(Config{Workspace: ws})
	require.NoError(t, err)
	defer first.Close()
	second, err := Open(Config{Workspace: ws, BusyTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer second.Close()
	ctx := context.Background()

	_, err = first.ExecContext(ctx, "CREATE TABLE t (n INTEGER)")
	require.NoError(t, err)

	tx, err := first.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	// The lock is held from BEGIN, before any statement runs.
	_, err = beginAndWrite(ctx, second)
	require.Error(t, err)

	require.NoError(t, tx.Commit())
	n, err := beginAndWrite(ctx, second)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func beginAndWrite(ctx context.Context, conn *sql.DB) (int64, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, "INSERT INTO t (n) VALUES (1)")
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
