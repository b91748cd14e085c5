package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with pairing records and fingerprint index",
		Up:          migrationV1Up,
	},
	{
		Version:     2,
		Description: "Add trusted_certs table for pinned receiver certificates",
		Up:          migrationV2Up,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS pairing_records (
    device_id       TEXT PRIMARY KEY,
    sealed_token    BLOB NOT NULL,
    fingerprint     TEXT NOT NULL,
    friendly_name   TEXT NOT NULL DEFAULT '',
    last_host       TEXT NOT NULL DEFAULT '',
    last_connected  INTEGER NOT NULL DEFAULT -1,
    created_at      INTEGER NOT NULL
);

-- Lookup path: fingerprint -> device_id -> record
CREATE TABLE IF NOT EXISTS fingerprints (
    fingerprint     TEXT PRIMARY KEY,
    device_id       TEXT NOT NULL REFERENCES pairing_records(device_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_fingerprints_device ON fingerprints(device_id);
`

const migrationV2Up = `
CREATE TABLE IF NOT EXISTS trusted_certs (
    fingerprint     TEXT PRIMARY KEY,
    der             BLOB NOT NULL,
    added_at        INTEGER NOT NULL
);
`

// MigrateDB applies all pending migrations, each in its own transaction.
func MigrateDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	currentVersion, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// LatestVersion is the version MigrateDB brings a database to.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

// ValidateSchema checks that all expected tables exist.
func ValidateSchema(db *sql.DB) error {
	for _, table := range []string{"pairing_records", "fingerprints", "trusted_certs", "schema_migrations"} {
		var count int
		err := db.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&count)
		if err != nil {
			return fmt.Errorf("check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("missing required table: %s", table)
		}
	}
	return nil
}
