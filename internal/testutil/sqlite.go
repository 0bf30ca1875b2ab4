// Package testutil provides migrated SQLite databases and a fake Bot API for package tests.
package testutil

import (
	"io/fs"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/tgbot-jobs/migrations"
	"github.com/cuongbtq/tgbot-jobs/shared/database"
)

// NewDB opens a private in-memory SQLite database with every up migration applied.
// The database lives as long as its single connection, which is closed on cleanup.
func NewDB(t testing.TB) *sqlx.DB {
	t.Helper()
	return open(t, database.SQLiteDSN(":memory:"), 1)
}

// NewFileDB opens a migrated SQLite database file in a temporary directory with
// a pool of conns connections, for tests that need real concurrent writers.
func NewFileDB(t testing.TB, conns int) *sqlx.DB {
	t.Helper()
	return open(t, database.SQLiteDSN(filepath.Join(t.TempDir(), "jobs.db")), conns)
}

func open(t testing.TB, dsn string, conns int) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Open(database.DriverSQLite, dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(conns)
	db.SetConnMaxLifetime(0)
	t.Cleanup(func() { _ = db.Close() })

	files, err := fs.Glob(migrations.SQLite, "sqlite/*.up.sql")
	require.NoError(t, err)
	sort.Strings(files)

	for _, name := range files {
		ddl, err := fs.ReadFile(migrations.SQLite, name)
		require.NoError(t, err)
		_, err = db.Exec(string(ddl))
		require.NoError(t, err, "apply %s", name)
	}

	return db
}

// Now returns the current time truncated to microseconds in UTC, matching what the stores persist.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
