package history

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration is one schema step of the history database.
type Migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with outcomes and rankings",
		Up:          migrationV1Up,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS outcomes (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    at_ns       INTEGER NOT NULL,
    scope       TEXT NOT NULL,
    matched     INTEGER NOT NULL,
    token       TEXT NOT NULL,
    name        TEXT,
    score       REAL NOT NULL,
    best_fingerprint TEXT,
    button      INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_outcomes_at ON outcomes(at_ns);

CREATE TABLE IF NOT EXISTS rankings (
    outcome_id  INTEGER NOT NULL REFERENCES outcomes(id) ON DELETE CASCADE,
    ordinal     INTEGER NOT NULL,
    score       REAL NOT NULL,
    name        TEXT,
    exact       INTEGER NOT NULL,
    PRIMARY KEY (outcome_id, ordinal)
);
`

// MigrateDB applies all pending migrations.
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

	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
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

// SchemaVersion returns the highest applied migration.
func SchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// LatestVersion is the schema version MigrateDB brings a database to.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}
