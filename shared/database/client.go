package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	// DriverPostgres selects lib/pq.
	DriverPostgres = "postgres"
	// DriverSQLite selects modernc.org/sqlite.
	DriverSQLite = "sqlite"
)

// Config holds database connection configuration
type Config struct {
	Driver          string
	DSN             string // takes precedence over the discrete fields below
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DataSourceName returns the DSN handed to the driver.
func (c *Config) DataSourceName() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.driver() == DriverSQLite {
		return SQLiteDSN(c.Database)
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Database,
		c.SSLMode,
	)
}

func (c *Config) driver() string {
	if c.Driver == "" {
		return DriverPostgres
	}
	return c.Driver
}

// SQLiteDSN builds a modernc DSN for path with the pragmas the job store relies on.
// Timestamps are written in a sortable text format so range predicates work.
func SQLiteDSN(path string) string {
	if path == "" || path == ":memory:" {
		path = ":memory:"
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"
}

// Open returns an unverified handle for config without pool tuning.
func Open(config *Config) (*sqlx.DB, error) {
	db, err := sqlx.Open(config.driver(), config.DataSourceName())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", config.driver(), err)
	}
	return db, nil
}

// Client represents a database client
type Client struct {
	db     *sqlx.DB
	config *Config
	logger *slog.Logger
}

// NewClient opens and verifies a database connection.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	driver := config.driver()

	logger.Info("Connecting to database",
		slog.String("driver", driver),
		slog.String("host", config.Host),
		slog.Int("port", config.Port),
		slog.String("database", config.Database),
	)

	db, err := sqlx.Open(driver, config.DataSourceName())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == DriverSQLite {
		// a single connection serializes writers and keeps :memory: databases alive
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("Failed to ping database",
			slog.Any("error", err),
		)
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	logger.Info("Successfully connected to database",
		slog.String("driver", driver),
		slog.Int("max_open_conns", db.Stats().MaxOpenConnections),
		slog.Duration("conn_max_lifetime", config.ConnMaxLifetime),
	)

	return &Client{
		db:     db,
		config: config,
		logger: logger,
	}, nil
}

// GetDB returns the underlying sqlx.DB instance
func (c *Client) GetDB() *sqlx.DB {
	return c.db
}

// Driver reports the driver name the client was opened with.
func (c *Client) Driver() string {
	return c.config.driver()
}

// Close closes the database connection
func (c *Client) Close() error {
	c.logger.Info("Closing database connection")

	if err := c.db.Close(); err != nil {
		c.logger.Error("Failed to close database connection",
			slog.Any("error", err),
		)
		return err
	}

	return nil
}

// Stats returns connection pool statistics
func (c *Client) Stats() string {
	stats := c.db.Stats()
	return fmt.Sprintf(
		"MaxOpenConns: %d, OpenConns: %d, InUse: %d, Idle: %d, WaitCount: %d, WaitDuration: %s",
		stats.MaxOpenConnections,
		stats.OpenConnections,
		stats.InUse,
		stats.Idle,
		stats.WaitCount,
		stats.WaitDuration,
	)
}

// HealthCheck pings the database and runs a trivial query.
func (c *Client) HealthCheck(ctx context.Context) error {
	return HealthCheck(ctx, c.db)
}

// HealthCheck performs a health check on db.
func HealthCheck(ctx context.Context, db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("database query health check failed: %w", err)
	}

	return nil
}
