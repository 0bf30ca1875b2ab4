package database_test

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/tgbot-jobs/shared/database"
	"github.com/cuongbtq/tgbot-jobs/shared/logger"
)

func tableExists(t *testing.T, db *sqlx.DB, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name))
	return n == 1
}

func TestMigrator_SQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")

	open := func() *sqlx.DB {
		db, err := sqlx.Open(database.DriverSQLite, database.SQLiteDSN(path))
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		return db
	}

	m, err := database.NewMigrator(open(), logger.NewNop())
	require.NoError(t, err)

	version, err := m.Up()
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)

	version, err = m.Up()
	require.NoError(t, err, "a second run is a no-op")
	assert.Equal(t, uint(3), version)

	version, err = m.Down(1)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	require.NoError(t, m.Close())

	check := open()
	defer check.Close()
	assert.True(t, tableExists(t, check, "jobs"))
	assert.True(t, tableExists(t, check, "telegram_users"))
	assert.False(t, tableExists(t, check, "managed_groups"))
}

func TestMigrator_UnsupportedDriver(t *testing.T) {
	db := sqlx.NewDb(nil, "mysql")
	_, err := database.NewMigrator(db, logger.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}
