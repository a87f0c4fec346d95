// Package dedup suppresses platform redeliveries of the same event.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Store remembers message ids. MarkSeen records id and reports whether it
// had already been recorded; the check and the insert are atomic.
type Store interface {
	MarkSeen(ctx context.Context, id string) (bool, error)
	Close() error
}

// Memory is a bounded in-process store. The oldest id is evicted once
// capacity is reached; entries older than ttl are treated as unseen.
type Memory struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ring []string
	next int
	ttl  time.Duration
	now  func() time.Time
}

func NewMemory(capacity int, ttl time.Duration) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{
		seen: make(map[string]time.Time, capacity),
		ring: make([]string, capacity),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (m *Memory) MarkSeen(_ context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if at, ok := m.seen[id]; ok {
		if m.ttl <= 0 || now.Sub(at) < m.ttl {
			return true, nil
		}
		// Expired: refresh the timestamp but keep its ring slot.
		m.seen[id] = now
		return false, nil
	}

	if old := m.ring[m.next]; old != "" {
		delete(m.seen, old)
	}
	m.ring[m.next] = id
	m.next = (m.next + 1) % len(m.ring)
	m.seen[id] = now
	return false, nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func (m *Memory) Close() error { return nil }
