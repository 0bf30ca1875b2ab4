package database

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/tgbot-jobs/migrations"
)

// Migrator applies the embedded schema for one driver.
type Migrator struct {
	m      *migrate.Migrate
	logger *slog.Logger
}

// NewMigrator prepares the embedded migrations for db. The migrator takes
// ownership of db: Close closes it.
func NewMigrator(db *sqlx.DB, logger *slog.Logger) (*Migrator, error) {
	driver := db.DriverName()

	var (
		target migratedb.Driver
		err    error
	)
	source, dir := migrations.Postgres, "postgres"
	switch driver {
	case DriverPostgres:
		target, err = migratepg.WithInstance(db.DB, &migratepg.Config{})
	case DriverSQLite:
		source, dir = migrations.SQLite, "sqlite"
		target, err = migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	src, err := iofs.New(source, dir)
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, target)
	if err != nil {
		return nil, fmt.Errorf("migrate init: %w", err)
	}

	return &Migrator{m: m, logger: logger}, nil
}

// Up applies every pending migration and returns the resulting version.
func (m *Migrator) Up() (uint, error) {
	if err := m.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate up: %w", err)
	}
	return m.version()
}

// Down rolls back steps migrations.
func (m *Migrator) Down(steps int) (uint, error) {
	if steps <= 0 {
		return m.version()
	}
	if err := m.m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate down: %w", err)
	}
	return m.version()
}

func (m *Migrator) version() (uint, error) {
	version, dirty, err := m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("migrate version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("database is dirty at version %d", version)
	}

	m.logger.Info("Schema version", slog.Uint64("version", uint64(version)))
	return version, nil
}

// Close releases the source and the database handle.
func (m *Migrator) Close() error {
	srcErr, dbErr := m.m.Close()
	return errors.Join(srcErr, dbErr)
}

// MigrateUp opens a dedicated connection for config, applies pending migrations
// and closes it again.
func MigrateUp(config *Config, logger *slog.Logger) (uint, error) {
	db, err := Open(config)
	if err != nil {
		return 0, err
	}

	m, err := NewMigrator(db, logger)
	if err != nil {
		db.Close()
		return 0, err
	}
	defer m.Close()

	return m.Up()
}
