package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory. It backs tests and
// single-node development runs.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (m *MemoryStore) Get(_ context.Context, fileID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.recs[fileID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) Insert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.FileID]; ok {
		return ErrExists
	}
	m.recs[rec.FileID] = rec
	return nil
}

func (m *MemoryStore) Update(_ context.Context, fileID string, c Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[fileID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != c.From || rec.JobHandle != c.FromJob {
		return ErrConflict
	}
	rec.Status = c.To
	rec.JobHandle = c.JobHandle
	rec.UpdatedAt = c.At
	m.recs[fileID] = rec
	return nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, owner string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.recs {
		if rec.Owner == owner {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[fileID]; !ok {
		return ErrNotFound
	}
	delete(m.recs, fileID)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
