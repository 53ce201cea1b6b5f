package cache

import (
	"context"
	"sync"
	"time"
)

// Memory implements Cache with an in-process map. Used when Redis is
// disabled or unreachable; expiry is enforced lazily on read.
type Memory struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	value     string
	expiresAt time.Time
}

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

// Exists reports whether the key is present and not expired.
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return false, nil
	}
	if m.now().After(item.expiresAt) {
		delete(m.items, key)
		return false, nil
	}
	return true, nil
}

// Set stores the value under key with the given expiry.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryItem{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

// Close is a no-op for the in-process cache.
func (m *Memory) Close() error {
	return nil
}
