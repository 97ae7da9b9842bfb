package sqlite

import (
	"database/sql"
	"fmt"
	"time"
)

// migrations are applied in order; each entry runs at most once, tracked
// in schema_migrations.
var migrations = []string{
	// 1: event log. UNIQUE(aggregate_id, version) is the optimistic lock:
	// of two concurrent appends at the same version, the database accepts
	// exactly one.
	`CREATE TABLE IF NOT EXISTS events (
		position       INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id       TEXT    NOT NULL UNIQUE,
		aggregate_id   TEXT    NOT NULL,
		aggregate_type TEXT    NOT NULL,
		event_type     TEXT    NOT NULL,
		version        INTEGER NOT NULL,
		timestamp      INTEGER NOT NULL,
		payload        TEXT,
		metadata       TEXT,
		UNIQUE (aggregate_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events (aggregate_id, version);`,

	// 2: snapshots
	`CREATE TABLE IF NOT EXISTS snapshots (
		aggregate_id   TEXT    NOT NULL,
		aggregate_type TEXT    NOT NULL,
		version        INTEGER NOT NULL,
		state          BLOB    NOT NULL,
		created_at     INTEGER NOT NULL,
		PRIMARY KEY (aggregate_id, version)
	);`,

	// 3: idempotency ledger
	`CREATE TABLE IF NOT EXISTS processed_commands (
		idempotency_key TEXT    PRIMARY KEY,
		aggregate_id    TEXT    NOT NULL,
		event_id        TEXT    NOT NULL,
		version         INTEGER NOT NULL,
		published       INTEGER NOT NULL DEFAULT 0,
		processed_at    INTEGER NOT NULL,
		expires_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_processed_commands_expiry ON processed_commands (expires_at);`,
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			i+1, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
