// Package memory keeps action history in-process for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/labnodes/internal/node"
)

// DefaultCapacity bounds the number of records kept when none is configured.
const DefaultCapacity = 1000

// HistoryStore is a bounded, newest-last, in-memory action history.
type HistoryStore struct {
	mu       sync.RWMutex
	records  []node.ActionRecord
	capacity int
}

// NewHistoryStore constructs a HistoryStore keeping at most capacity records.
func NewHistoryStore(capacity int) *HistoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &HistoryStore{capacity: capacity}
}

// RecordAction appends a finished action, evicting the oldest when full.
func (s *HistoryStore) RecordAction(_ context.Context, rec node.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Vars = append([]byte(nil), rec.Vars...)
	s.records = append(s.records, rec)
	if over := len(s.records) - s.capacity; over > 0 {
		s.records = append([]node.ActionRecord(nil), s.records[over:]...)
	}
	return nil
}

// RecentActions returns up to limit records, newest first.
func (s *HistoryStore) RecentActions(_ context.Context, limit int) ([]node.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]node.ActionRecord, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}
