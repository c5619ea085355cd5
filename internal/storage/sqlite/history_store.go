// Package sqlite provides a SQLite-backed action history.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/labnodes/internal/node"
)

const schema = `
CREATE TABLE IF NOT EXISTS action_history (
	id            TEXT PRIMARY KEY,
	node          TEXT NOT NULL,
	handle        TEXT NOT NULL,
	vars          TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL,
	message       TEXT NOT NULL DEFAULT '',
	error_kind    TEXT NOT NULL DEFAULT '',
	protocol_hash TEXT NOT NULL DEFAULT '',
	log_path      TEXT NOT NULL DEFAULT '',
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_history_started ON action_history (started_at DESC);`

// HistoryStore records finished actions in a SQLite database file.
type HistoryStore struct {
	db   *sql.DB
	path string
}

// Open creates (or reuses) the database at path and applies the schema.
func Open(path string) (*HistoryStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &HistoryStore{db: db, path: path}, nil
}

// Close closes the database connection.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *HistoryStore) Path() string {
	return s.path
}

// RecordAction inserts one finished action.
func (s *HistoryStore) RecordAction(ctx context.Context, rec node.ActionRecord) error {
	vars := string(rec.Vars)
	if vars == "" {
		vars = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_history
			(id, node, handle, vars, status, message, error_kind, protocol_hash, log_path, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Node,
		rec.Handle,
		vars,
		string(rec.Status),
		rec.Message,
		string(rec.ErrorKind),
		rec.ProtocolHash,
		rec.LogPath,
		rec.StartedAt.UnixNano(),
		rec.FinishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// RecentActions returns up to limit records, newest first.
func (s *HistoryStore) RecentActions(ctx context.Context, limit int) ([]node.ActionRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, node, handle, vars, status, message, error_kind, protocol_hash, log_path, started_at, finished_at
		FROM action_history
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []node.ActionRecord
	for rows.Next() {
		var (
			rec                node.ActionRecord
			vars, status, kind string
			started, finished  int64
		)
		if err := rows.Scan(&rec.ID, &rec.Node, &rec.Handle, &vars, &status, &rec.Message, &kind,
			&rec.ProtocolHash, &rec.LogPath, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		rec.Vars = []byte(vars)
		rec.Status = node.StepStatus(status)
		rec.ErrorKind = node.Kind(kind)
		rec.StartedAt = time.Unix(0, started).UTC()
		rec.FinishedAt = time.Unix(0, finished).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return out, nil
}
