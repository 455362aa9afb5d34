package testutil

import (
	"sync"

	"github.com/nhle/courier/internal/credential"
)

// MemoryCredentials is an in-memory credential.Store for tests.
type MemoryCredentials struct {
	mu    sync.Mutex
	items map[string][]byte
}

// NewMemoryCredentials creates an empty in-memory credential store.
func NewMemoryCredentials() *MemoryCredentials {
	return &MemoryCredentials{items: make(map[string][]byte)}
}

func (m *MemoryCredentials) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.items[key]
	if !ok {
		return nil, credential.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryCredentials) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	m.items[key] = v
	return nil
}

func (m *MemoryCredentials) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.items, key)
	return nil
}

// Has reports whether a value is stored under key.
func (m *MemoryCredentials) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.items[key]
	return ok
}
