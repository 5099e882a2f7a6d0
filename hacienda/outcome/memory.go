package outcome

import (
	"context"
	"sort"
	"sync"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/go-faster/errors"
)

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]hacienda.SubmissionRecord
	writes  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]hacienda.SubmissionRecord)}
}

func (m *MemoryStore) Record(_ context.Context, r hacienda.SubmissionRecord) error {
	if r.DocumentKey == "" {
		return errors.New("outcome: record without document key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.records[r.DocumentKey]; ok && r.CreatedAt.IsZero() {
		r.CreatedAt = prev.CreatedAt
	}
	r.SignedPayload = append([]byte(nil), r.SignedPayload...)
	m.records[r.DocumentKey] = r
	m.writes++
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*hacienda.SubmissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[key]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	return &r, nil
}

func (m *MemoryStore) Pending(_ context.Context) ([]hacienda.SubmissionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []hacienda.SubmissionRecord
	for _, r := range m.records {
		if r.Verdict == hacienda.Pending {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// All returns every record ordered by creation.
func (m *MemoryStore) All() []hacienda.SubmissionRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]hacienda.SubmissionRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Writes counts Record calls, repeated keys included.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}
