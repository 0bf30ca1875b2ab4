// Package migrations embeds the SQL schema so binaries and tests carry it without files on disk.
package migrations

import "embed"

// Postgres holds the production schema, one directory per driver.
//
//go:embed postgres/*.sql
var Postgres embed.FS

// SQLite mirrors the Postgres schema for local runs and tests.
//
//go:embed sqlite/*.sql
var SQLite embed.FS
