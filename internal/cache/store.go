// Package cache persists in-progress exam answers so that an attempt survives
// reloads and reconnects.
package cache

import (
	"context"
	"sync"
	"time"
)

// Store is a string key-value store. A ttl of zero means no expiry; stores that
// cannot expire keys ignore it.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Scanner is implemented by stores that can enumerate their entries. Stores
// without key expiry implement it so old entries can be swept.
type Scanner interface {
	Each(ctx context.Context, fn func(key, value string) error) error
}

// MemoryStore keeps entries in process memory. It survives reconnects but not
// restarts, which is enough for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Each calls fn for every stored entry.
func (m *MemoryStore) Each(_ context.Context, fn func(key, value string) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, v := range m.data {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}
