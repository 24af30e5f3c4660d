package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the current schema version.
const SchemaVersion = 2

// schemaV1 is the initial schema. Instants are stored as Unix nanoseconds so
// range predicates compare numerically.
const schemaV1 = `
-- Budget Tracker: one row per admitted action; the global window counts all rows
CREATE TABLE IF NOT EXISTS action_budgets (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    action_type TEXT NOT NULL,
    at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_budgets_at ON action_budgets(at);

-- Duplicate Detector: bounded FIFO ring ordered by seq
CREATE TABLE IF NOT EXISTS dedup_history (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    fingerprint TEXT NOT NULL,
    normalized TEXT NOT NULL,
    target TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dedup_target ON dedup_history(target);

-- Link Cooldown Tracker
CREATE TABLE IF NOT EXISTS link_cooldowns (
    link TEXT PRIMARY KEY,
    last_used_at INTEGER NOT NULL
);

-- Failure Circuit Breaker (singleton)
CREATE TABLE IF NOT EXISTS failure_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    paused_until INTEGER
);

-- Metrics Aggregator
CREATE TABLE IF NOT EXISTS metrics_log (
    id TEXT PRIMARY KEY,
    action_type TEXT NOT NULL,
    category TEXT NOT NULL,
    has_link INTEGER NOT NULL DEFAULT 0,
    target TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    views INTEGER NOT NULL DEFAULT 0,
    likes INTEGER NOT NULL DEFAULT 0,
    clicks INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_metrics_created ON metrics_log(created_at);
CREATE INDEX IF NOT EXISTS idx_metrics_target ON metrics_log(target);

-- Schema version
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// migrations[v] upgrades a database from version v-1 to v.
var migrations = map[int]string{
	// v2: actions remember their conversation thread.
	2: `
ALTER TABLE metrics_log ADD COLUMN thread TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS idx_metrics_thread ON metrics_log(thread);
`,
}

// tables lists every data table, in an order safe for deletion.
var tables = []string{
	"action_budgets",
	"dedup_history",
	"link_cooldowns",
	"failure_state",
	"metrics_log",
}

// InitSchema initializes the database schema.
// It creates all tables and applies migrations as needed.
// Runs integrity validation before migrations on existing databases.
func InitSchema(ctx context.Context, db *sql.DB) error {
	currentVersion, err := getSchemaVersion(ctx, db)
	if err != nil {
		// Schema version table doesn't exist yet, create fresh schema
		if err := createSchema(ctx, db); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		return nil
	}

	if err := ValidateIntegrity(ctx, db); err != nil {
		return fmt.Errorf("database integrity check failed: %w", err)
	}

	if currentVersion < SchemaVersion {
		if err := migrateSchema(ctx, db, currentVersion); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	return nil
}

// getSchemaVersion returns the current schema version from the database.
// Returns 0 and an error if the schema_version table doesn't exist.
func getSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// createSchema creates the initial database schema.
func createSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaV1); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	for v := 2; v <= SchemaVersion; v++ {
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			return fmt.Errorf("failed to apply schema v%d: %w", v, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO failure_state (id, consecutive_failures, paused_until) VALUES (1, 0, NULL)`); err != nil {
		return fmt.Errorf("failed to seed failure state: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`,
		SchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	return tx.Commit()
}

// migrateSchema applies migrations from currentVersion to SchemaVersion,
// one transaction per version.
func migrateSchema(ctx context.Context, db *sql.DB, currentVersion int) error {
	for v := currentVersion + 1; v <= SchemaVersion; v++ {
		if err := applyMigration(ctx, db, v); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int) error {
	stmt, ok := migrations[version]
	if !ok {
		return fmt.Errorf("no migration to schema v%d", version)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to apply schema v%d: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`, version); err != nil {
		return fmt.Errorf("failed to record schema v%d: %w", version, err)
	}
	return tx.Commit()
}

// ValidateIntegrity runs PRAGMA integrity_check on the database.
func ValidateIntegrity(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `PRAGMA integrity_check`)
	if err != nil {
		return fmt.Errorf("failed to run integrity_check: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var result string
		if err := rows.Scan(&result); err != nil {
			return fmt.Errorf("failed to scan integrity_check result: %w", err)
		}
		if result != "ok" {
			return fmt.Errorf("integrity_check failed: %s", result)
		}
	}
	return rows.Err()
}
