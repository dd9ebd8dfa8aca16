// Package db opens the workspace SQLite store.
//
// Every write transaction is started with BEGIN IMMEDIATE, so the database
// write lock is taken before the first read. Two transitions racing on the
// same version therefore run one after the other and the loser observes the
// winner's status instead of failing at commit with SQLITE_BUSY.
package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".phaseline"
	fileName = "phaseline.db"

	defaultBusyTimeout = 10 * time.Second
)

type Config struct {
	Workspace string
	// BusyTimeout bounds how long a transaction waits for the write lock.
	// Zero means ten seconds.
	BusyTimeout time.Duration
}

// Dir is the state directory inside a workspace.
func Dir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir)
}

// EnsureWorkspace creates the state directory if missing and returns it.
func EnsureWorkspace(workspace string) (string, error) {
	dir := Dir(workspace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return dir, nil
}

// dsn enables foreign keys and WAL, and makes BEGIN take the write lock.
func dsn(file string, busy time.Duration) string {
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return "file:" + file + "?" + q.Encode()
}

// Open opens the workspace database, creating the state directory first.
func Open(cfg Config) (*sql.DB, error) {
	dir, err := EnsureWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	return sql.Open("sqlite", dsn(filepath.Join(dir, fileName), cfg.BusyTimeout))
}
