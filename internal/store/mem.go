package store

import (
	"sync"
	"time"
)

// TTLMap is a generic in-memory map with per-entry TTL expiration.
type TTLMap[V any] struct {
	mu    sync.RWMutex
	items map[string]ttlEntry[V]
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func NewTTLMap[V any]() *TTLMap[V] {
	return &TTLMap[V]{items: make(map[string]ttlEntry[V])}
}

func (m *TTLMap[V]) Get(key string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.items[key]
	if !ok || time.Now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (m *TTLMap[V]) Set(key string, value V, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = ttlEntry[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

func (m *TTLMap[V]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

// Update modifies an existing entry in place and resets its TTL. Returns
// false if the key is absent or expired.
func (m *TTLMap[V]) Update(key string, fn func(*V), newTTL time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok || time.Now().After(e.expiresAt) {
		return false
	}
	fn(&e.value)
	e.expiresAt = time.Now().Add(newTTL)
	m.items[key] = e
	return true
}

// Cleanup drops expired entries.
func (m *TTLMap[V]) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for k, e := range m.items {
		if now.After(e.expiresAt) {
			delete(m.items, k)
		}
	}
}
