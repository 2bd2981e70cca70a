package secrets

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/anchorpipe/anchorpipe-sub000/internal/db"
)

// MemoryRepository is an in-process Repository for tests and local runs.
type MemoryRepository struct {
	mu      sync.RWMutex
	secrets map[string]db.HmacSecret
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{secrets: make(map[string]db.HmacSecret)}
}

func (m *MemoryRepository) InsertHmacSecret(_ context.Context, s *db.HmacSecret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.secrets[s.ID]; exists {
		return fmt.Errorf("inserting hmac secret: %w", db.ErrDuplicateKey)
	}
	m.secrets[s.ID] = *s
	return nil
}

func (m *MemoryRepository) GetHmacSecret(_ context.Context, id string) (*db.HmacSecret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[id]
	if !ok {
		return nil, fmt.Errorf("getting hmac secret: %w", db.ErrNotFound)
	}
	return &s, nil
}

func (m *MemoryRepository) ListHmacSecretsByRepo(_ context.Context, repoID string) ([]db.HmacSecret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []db.HmacSecret
	for _, s := range m.secrets {
		if s.RepoID == repoID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryRepository) RevokeHmacSecret(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok {
		return false, fmt.Errorf("revoking hmac secret: %w", db.ErrNotFound)
	}
	if s.Revoked {
		return false, nil
	}
	s.Revoked = true
	s.Active = false
	s.RevokedAt = &at
	m.secrets[id] = s
	return true, nil
}

func (m *MemoryRepository) SetHmacSecretRotatedFrom(_ context.Context, id, rotatedFrom string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok {
		return fmt.Errorf("setting rotation lineage: %w", db.ErrNotFound)
	}
	s.RotatedFrom = &rotatedFrom
	m.secrets[id] = s
	return nil
}

func (m *MemoryRepository) TouchHmacSecretLastUsed(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[id]
	if !ok {
		return fmt.Errorf("touching hmac secret: %w", db.ErrNotFound)
	}
	s.LastUsedAt = &at
	m.secrets[id] = s
	return nil
}
