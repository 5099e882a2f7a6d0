package sequence

import (
	"context"
	"sync"
)

type counter struct {
	value   int64
	version uint64
}

// MemoryStore keeps counters in process memory. Increment reads and writes in two separate critical
// sections and compares versions, so it loses races the same way the shared backends do.
type MemoryStore struct {
	mu       sync.RWMutex
	counters map[Scope]counter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[Scope]counter)}
}

func (m *MemoryStore) Increment(ctx context.Context, scope Scope) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.RLock()
	seen := m.counters[scope]
	m.mu.RUnlock()

	next := counter{value: seen.value + 1, version: seen.version + 1}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters[scope].version != seen.version {
		return 0, ErrConflict
	}
	m.counters[scope] = next
	return next.value, nil
}

func (m *MemoryStore) Peek(_ context.Context, scope Scope) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[scope].value, nil
}

// Set forces the counter of scope, used to seed tests and migrations from an older system.
func (m *MemoryStore) Set(scope Scope, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters[scope]
	m.counters[scope] = counter{value: value, version: c.version + 1}
}
