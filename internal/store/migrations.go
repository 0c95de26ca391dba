package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "memories: long-term memory records",
		SQL: `
CREATE TABLE memories (
    id                        TEXT PRIMARY KEY,
    created                   TEXT NOT NULL,
    memory_days               REAL NOT NULL DEFAULT 0.0,
    recalled_since_last_batch INTEGER NOT NULL DEFAULT 0,
    recall_count              INTEGER NOT NULL DEFAULT 0,
    emotional_intensity       INTEGER NOT NULL,
    emotional_valence         TEXT NOT NULL CHECK (emotional_valence IN ('positive', 'negative', 'neutral')),
    emotional_arousal         INTEGER NOT NULL,
    emotional_tags            TEXT,
    decay_coefficient         REAL NOT NULL,
    category                  TEXT NOT NULL CHECK (category IN ('casual', 'work', 'decision', 'emotional')),
    keywords                  TEXT,
    current_level             INTEGER NOT NULL DEFAULT 1,
    "trigger"                 TEXT NOT NULL,
    content                   TEXT NOT NULL,
    embedding                 BLOB,
    relations                 TEXT,
    retention_score           REAL,
    archived_at               TEXT,
    protected                 INTEGER NOT NULL DEFAULT 0,
    revival_requested         INTEGER NOT NULL DEFAULT 0,
    revival_requested_at      TEXT
);

CREATE INDEX idx_memories_retention_score ON memories(retention_score);
CREATE INDEX idx_memories_current_level   ON memories(current_level);
CREATE INDEX idx_memories_archived_at     ON memories(archived_at);
CREATE INDEX idx_memories_created         ON memories(created);
`,
	},
	{
		Version:     2,
		Description: "state: key/value engine state",
		SQL: `
CREATE TABLE state (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
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

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
