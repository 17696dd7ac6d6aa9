package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/dispatchd/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	state      BLOB NOT NULL
);
`

// SQLiteStore persists run state in a single SQLite database file.
// The full run state is serialized to JSON; queries never reach into
// the blob.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and initializes if needed) the database at
// path. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveRun upserts the run state.
func (s *SQLiteStore) SaveRun(ctx context.Context, state *task.RunState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize run state: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, status, created_at, updated_at, state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			state = excluded.state`,
		state.RunID, string(state.Status), now, now, blob,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", state.RunID, err)
	}
	return nil
}

// LoadRun restores the run state for a run id.
func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) (*task.RunState, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM runs WHERE run_id = ?`, runID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	var state task.RunState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("failed to decode run %s: %w", runID, err)
	}
	return &state, nil
}

// ListRuns returns summaries of all stored runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, status, updated_at FROM runs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var summary RunSummary
		var updated string
		if err := rows.Scan(&summary.RunID, &summary.Status, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		if ts, perr := time.Parse(time.RFC3339Nano, updated); perr == nil {
			summary.UpdatedAt = ts
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
