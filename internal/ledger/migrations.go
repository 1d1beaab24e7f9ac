package ledger

import (
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// migrate brings the database up to the current schema version.
func migrate(db *sql.DB) error {
	var tableExists bool
	err := db.QueryRow(`
		SELECT COUNT(*) > 0
		FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("failed to check schema_version table: %w", err)
	}

	if !tableExists {
		return initializeSchema(db)
	}

	var currentVersion int
	err = db.QueryRow(`
		SELECT version FROM schema_version
		ORDER BY applied_at DESC LIMIT 1
	`).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion != schemaVersion {
		return fmt.Errorf("unsupported schema version: %d", currentVersion)
	}
	return nil
}

func initializeSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		schemaVersionTable,
		licenseKeysTable,
		activationsTable,
		activationsIndexes,
		activationEventsTable,
		activationEventsIndexes,
		fmt.Sprintf(`INSERT INTO schema_version (version) VALUES (%d)`, schemaVersion),
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return tx.Commit()
}

// Schema definitions. The PRIMARY KEY on activations(license_key) is
// load-bearing: it is what makes a license bindable to at most one
// installation at a time.
const (
	schemaVersionTable = `
CREATE TABLE schema_version (
    version    INTEGER NOT NULL,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

	licenseKeysTable = `
CREATE TABLE license_keys (
    key        TEXT PRIMARY KEY,
    tier       TEXT NOT NULL,
    note       TEXT NOT NULL DEFAULT '',
    revoked    INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
)`

	activationsTable = `
CREATE TABLE activations (
    license_key     TEXT PRIMARY KEY REFERENCES license_keys(key),
    installation_id TEXT NOT NULL,
    device_hint     TEXT NOT NULL DEFAULT '',
    bound_at        TIMESTAMP NOT NULL,
    last_seen_at    TIMESTAMP NOT NULL
)`

	activationsIndexes = `
CREATE INDEX idx_activations_installation ON activations(installation_id)`

	activationEventsTable = `
CREATE TABLE activation_events (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    occurred_at     TIMESTAMP NOT NULL,
    event           TEXT NOT NULL,
    license_key     TEXT NOT NULL,
    installation_id TEXT,
    device_hint     TEXT,
    client_ip       TEXT
)`

	activationEventsIndexes = `
CREATE INDEX idx_events_occurred_at ON activation_events(occurred_at);
CREATE INDEX idx_events_license_key ON activation_events(license_key)`
)
