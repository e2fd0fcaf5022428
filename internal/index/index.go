// Package index maintains a rebuildable SQLite query cache over a repo's
// spaces. It is never the source of truth: every table here can be
// dropped and reconstructed from the JSONL event logs under
// internal/state, and RebuildSpace does exactly that. Its only job is to
// make list/stat-style queries fast without re-parsing a whole runs.jsonl
// on every call.
package index

import (
	"database/sql"
	"fmt"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/meridian-run/meridian/internal/state"
	"github.com/meridian-run/meridian/internal/types"
)

// Index is a handle to one repo's index.db.
type Index struct {
	db *sql.DB
}

// Open opens (creating if necessary) the index database at dbPath and
// applies any pending schema migrations.
func Open(dbPath string) (*Index, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index db: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// RebuildSpace truncates one space's rows and repopulates them from its
// runs.jsonl and sessions.jsonl. Safe to call at any time; a torn or
// missing index.db never loses data because the JSONL logs remain
// authoritative.
func (idx *Index) RebuildSpace(spaceDir string, spaceID types.SpaceID) error {
	runs, err := state.ListRuns(spaceDir)
	if err != nil {
		return fmt.Errorf("list runs for rebuild: %w", err)
	}
	sessions, err := state.ListSessions(spaceDir)
	if err != nil {
		return fmt.Errorf("list sessions for rebuild: %w", err)
	}

	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM runs WHERE space_id = ?`, string(spaceID)); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE space_id = ?`, string(spaceID)); err != nil {
		return err
	}
	for _, run := range runs {
		if err := upsertRun(tx, spaceID, run); err != nil {
			return err
		}
	}
	for _, session := range sessions {
		if err := upsertSession(tx, spaceID, session); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SyncRun upserts the single run record identified by runID, re-reading
// it from runs.jsonl. Called by the execution engine right after a run
// is started or finalized so the cache tracks live state without a full
// rebuild; errors are non-fatal to the caller's own run.
func (idx *Index) SyncRun(spaceDir string, spaceID types.SpaceID, runID types.RunID) error {
	run, err := state.GetRun(spaceDir, runID)
	if err != nil {
		return fmt.Errorf("sync run %s: %w", runID, err)
	}
	if run == nil {
		return nil
	}
	return upsertRun(idx.db, spaceID, *run)
}

// SyncSession upserts the single chat session identified by chatID.
func (idx *Index) SyncSession(spaceDir string, spaceID types.SpaceID, chatID types.ChatID) error {
	sessions, err := state.ListSessions(spaceDir)
	if err != nil {
		return fmt.Errorf("sync session %s: %w", chatID, err)
	}
	for _, session := range sessions {
		if session.ChatID == chatID {
			return upsertSession(idx.db, spaceID, session)
		}
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertRun(x execer, spaceID types.SpaceID, run state.RunRecord) error {
	_, err := x.Exec(`
		INSERT INTO runs (
			id, space_id, chat_id, model, agent, harness, harness_session_id,
			status, prompt, started_at, finished_at, exit_code, duration_secs,
			total_cost_usd, input_tokens, output_tokens, files_touched_count, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			harness_session_id = excluded.harness_session_id,
			finished_at = excluded.finished_at,
			exit_code = excluded.exit_code,
			duration_secs = excluded.duration_secs,
			total_cost_usd = excluded.total_cost_usd,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			files_touched_count = excluded.files_touched_count,
			error = excluded.error
	`,
		string(run.ID), string(spaceID), string(run.ChatID), run.Model, run.Agent,
		string(run.Harness), run.HarnessSessionID, string(run.Status), run.Prompt,
		run.StartedAt, nullableString(run.FinishedAt), run.ExitCode, run.DurationSecs,
		run.TotalCostUSD, run.InputTokens, run.OutputTokens, run.FilesTouchedCount, run.Error,
	)
	return err
}

func upsertSession(x execer, spaceID types.SpaceID, session state.SessionRecord) error {
	_, err := x.Exec(`
		INSERT INTO sessions (
			chat_id, space_id, harness, harness_session_id, model, started_at, stopped_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			harness_session_id = excluded.harness_session_id,
			stopped_at = excluded.stopped_at
	`,
		string(session.ChatID), string(spaceID), string(session.Harness),
		session.HarnessSessionID, session.Model, session.StartedAt, nullableString(session.StoppedAt),
	)
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
