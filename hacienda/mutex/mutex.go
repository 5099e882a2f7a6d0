// Package mutex provides a read-write mutex per key.
package mutex

import "sync"

type rwentry struct {
	mu   sync.RWMutex
	refs int
}

// KeyedRWMutex locks independent keys independently. Entries live only while some goroutine holds or
// waits for them.
type KeyedRWMutex[K comparable] struct {
	mu    sync.Mutex
	table map[K]*rwentry
}

func (m *KeyedRWMutex[K]) acquire(key K) *rwentry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table == nil {
		m.table = make(map[K]*rwentry)
	}
	e, ok := m.table[key]
	if !ok {
		e = &rwentry{}
		m.table[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedRWMutex[K]) release(key K) *rwentry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.table[key]
	if !ok {
		panic("mutex: unlock of unlocked key")
	}
	e.refs--
	if e.refs == 0 {
		delete(m.table, key)
	}
	return e
}

func (m *KeyedRWMutex[K]) Lock(key K)    { m.acquire(key).mu.Lock() }
func (m *KeyedRWMutex[K]) Unlock(key K)  { m.release(key).mu.Unlock() }
func (m *KeyedRWMutex[K]) RLock(key K)   { m.acquire(key).mu.RLock() }
func (m *KeyedRWMutex[K]) RUnlock(key K) { m.release(key).mu.RUnlock() }

// TryLock takes the write lock only when no one else holds or waits for key.
func (m *KeyedRWMutex[K]) TryLock(key K) bool {
	e := m.acquire(key)
	if e.mu.TryLock() {
		return true
	}
	m.release(key)
	return false
}

// Len is the number of keys currently held or awaited.
func (m *KeyedRWMutex[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}
