package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in a map for the lifetime of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (m *MemoryStore) Load(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemoryStore) Save(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.entries[e.Key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Purge(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if e.Expired(before) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Len reports the number of rows, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) Close() error { return nil }
