package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/anchorpipe/anchorpipe-sub000/internal/db"
)

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu      sync.Mutex
	entries map[string]db.IdempotencyEntry
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]db.IdempotencyEntry)}
}

func (m *MemoryRepository) GetIdempotencyEntry(_ context.Context, key string) (*db.IdempotencyEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, db.ErrNotFound
	}
	e.Response = append(json.RawMessage(nil), e.Response...)
	return &e, nil
}

func (m *MemoryRepository) InsertIdempotencyEntry(_ context.Context, e *db.IdempotencyEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[e.Key]; exists {
		return db.ErrDuplicateKey
	}
	stored := *e
	stored.Response = append(json.RawMessage(nil), e.Response...)
	m.entries[e.Key] = stored
	return nil
}

func (m *MemoryRepository) DeleteIdempotencyEntry(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryRepository) PurgeExpiredIdempotencyEntries(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for key, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries.
func (m *MemoryRepository) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
