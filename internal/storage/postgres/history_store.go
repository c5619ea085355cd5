// Package postgres provides a Postgres-backed action history.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/labnodes/internal/node"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for history rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// HistoryStore writes action rows into Postgres.
type HistoryStore struct {
	pool  queryCloser
	table string
}

// NewHistoryStore creates a Postgres-backed HistoryStore using the provided config.
func NewHistoryStore(ctx context.Context, cfg Config) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("history.postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &HistoryStore{pool: pool, table: table}, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewHistoryStoreWithPool(pool queryCloser, table string) (*HistoryStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &HistoryStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "action_history"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// RecordAction inserts one finished action row.
func (s *HistoryStore) RecordAction(ctx context.Context, rec node.ActionRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("history store is not configured")
	}
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	vars := []byte(rec.Vars)
	if len(vars) == 0 {
		vars = []byte("{}")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	node,
	handle,
	vars,
	status,
	message,
	error_kind,
	protocol_hash,
	log_path,
	started_at,
	finished_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)`, s.table)

	args := []any{
		rec.ID,
		rec.Node,
		rec.Handle,
		vars,
		string(rec.Status),
		rec.Message,
		string(rec.ErrorKind),
		rec.ProtocolHash,
		rec.LogPath,
		rec.StartedAt,
		rec.FinishedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// RecentActions returns up to limit rows, newest first.
func (s *HistoryStore) RecentActions(ctx context.Context, limit int) ([]node.ActionRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("history store is not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT id, node, handle, vars, status, message, error_kind, protocol_hash, log_path, started_at, finished_at
FROM %s
ORDER BY started_at DESC
LIMIT $1`, s.table)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []node.ActionRecord
	for rows.Next() {
		var (
			rec          node.ActionRecord
			vars         []byte
			status, kind string
		)
		err := rows.Scan(
			&rec.ID,
			&rec.Node,
			&rec.Handle,
			&vars,
			&status,
			&rec.Message,
			&kind,
			&rec.ProtocolHash,
			&rec.LogPath,
			&rec.StartedAt,
			&rec.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan action row: %w", err)
		}
		rec.Vars = vars
		rec.Status = node.StepStatus(status)
		rec.ErrorKind = node.Kind(kind)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action rows: %w", err)
	}
	return out, nil
}
