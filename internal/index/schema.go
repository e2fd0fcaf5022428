package index

import (
	"database/sql"
	"strconv"
)

// schemaVersion is bumped whenever migrate adds a forward-only step.
const schemaVersion = 1

type migration func(*sql.Tx) error

var migrations = map[int]migration{
	1: migrateInit,
}

func migrateInit(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			space_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			model TEXT NOT NULL,
			agent TEXT,
			harness TEXT NOT NULL,
			harness_session_id TEXT,
			status TEXT NOT NULL,
			prompt TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			exit_code INTEGER,
			duration_secs REAL,
			total_cost_usd REAL,
			input_tokens INTEGER,
			output_tokens INTEGER,
			files_touched_count INTEGER,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_runs_space ON runs(space_id);
		CREATE INDEX IF NOT EXISTS idx_runs_chat ON runs(chat_id);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

		CREATE TABLE IF NOT EXISTS sessions (
			chat_id TEXT PRIMARY KEY,
			space_id TEXT NOT NULL,
			harness TEXT NOT NULL,
			harness_session_id TEXT,
			model TEXT,
			started_at TEXT NOT NULL,
			stopped_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_space ON sessions(space_id);

		CREATE TABLE IF NOT EXISTS schema_info (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	return err
}

// applyMigrations runs every migration above the database's recorded
// version, forward-only, each inside its own transaction.
func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_info (key TEXT PRIMARY KEY, value TEXT NOT NULL)`); err != nil {
		return err
	}
	current := 0
	row := db.QueryRow(`SELECT value FROM schema_info WHERE key = 'version'`)
	var raw string
	if err := row.Scan(&raw); err == nil {
		if parsed, parseErr := strconv.Atoi(raw); parseErr == nil {
			current = parsed
		}
	}
	for v := current + 1; v <= schemaVersion; v++ {
		step, ok := migrations[v]
		if !ok {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if err := step(tx); err != nil {
			tx.Rollback()
			return err
		}
		if _, err := tx.Exec(`INSERT INTO schema_info(key, value) VALUES('version', ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`, strconv.Itoa(v)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
