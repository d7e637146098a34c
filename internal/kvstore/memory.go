package kvstore

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Store. State is lost on restart. Items past their
// reclaim time are dropped when read.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memItem
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]memItem), now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !it.expiresAt.IsZero() && m.now().After(it.expiresAt) {
		m.mu.Lock()
		// recheck, a concurrent Put may have replaced it
		if cur, ok := m.items[key]; ok && cur.expiresAt.Equal(it.expiresAt) {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	out := make([]byte, len(it.value))
	copy(out, it.value)
	return out, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	it := memItem{value: make([]byte, len(value))}
	copy(it.value, value)
	if ttl > 0 {
		it.expiresAt = m.now().Add(reclaimTTL(ttl))
	}
	m.mu.Lock()
	m.items[key] = it
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored keys, including expired ones not yet read.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
