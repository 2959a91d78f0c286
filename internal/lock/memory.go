package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps locks in process memory.  It serves single-instance
// deployments and tests.
type MemoryBackend struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]memoryEntry
}

type memoryEntry struct {
	owner   string
	expires time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{now: time.Now, locks: make(map[string]memoryEntry)}
}

func (m *MemoryBackend) TryAcquire(_ context.Context, name, owner string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.locks[name]; ok && now.Before(e.expires) {
		return false, nil
	}
	m.locks[name] = memoryEntry{owner: owner, expires: now.Add(lease)}
	return true, nil
}

func (m *MemoryBackend) Release(_ context.Context, name, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.locks[name]; ok && e.owner == owner {
		delete(m.locks, name)
	}
	return nil
}
