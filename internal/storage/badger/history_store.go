// Package badger stores action history in an embedded Badger database.
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/JakeFAU/labnodes/internal/node"
)

const keyPrefix = "action:"

// Config locates the database. InMemory ignores Path.
type Config struct {
	Path     string
	InMemory bool
}

// HistoryStore implements node.HistoryStore on Badger. Keys sort by start
// time so the newest records are read with a reverse scan.
type HistoryStore struct {
	db *badger.DB
}

// Open opens or creates the database.
func Open(cfg Config) (*HistoryStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger path is required")
		}
		opts = badger.DefaultOptions(filepath.Clean(cfg.Path)).WithValueLogFileSize(1 << 20)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// Close closes the database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

func recordKey(rec node.ActionRecord) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", keyPrefix, rec.StartedAt.UnixNano(), rec.ID))
}

// RecordAction stores one finished action.
func (s *HistoryStore) RecordAction(_ context.Context, rec node.ActionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec), data)
	})
	if err != nil {
		return fmt.Errorf("store action: %w", err)
	}
	return nil
}

// RecentActions returns up to limit records, newest first.
func (s *HistoryStore) RecentActions(ctx context.Context, limit int) ([]node.ActionRecord, error) {
	var out []node.ActionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse scans start at the largest key not above the seek key.
		for it.Seek([]byte(keyPrefix + "\xff")); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec node.ActionRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan actions: %w", err)
	}
	return out, nil
}
