package job

import (
	"context"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store. Safe for concurrent use; intended for
// tests and single-process development runs.
type MemoryStore struct {
	mu          sync.RWMutex
	jobs        map[string]Fields
	submissions []Submission
	scalars     map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]Fields),
		scalars: make(map[string]string),
	}
}

func (m *MemoryStore) Update(_ context.Context, id string, fields Fields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.jobs[id]
	if !ok {
		rec = Fields{}
		m.jobs[id] = rec
	}
	maps.Copy(rec, fields)
	return nil
}

func (m *MemoryStore) GetField(_ context.Context, id, name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.jobs[id][name]
	return v, ok, nil
}

func (m *MemoryStore) GetAll(_ context.Context, id string) (Fields, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f := Fields{}
	maps.Copy(f, m.jobs[id])
	return f, nil
}

// Scan snapshots matching ids at call time and yields them in sorted order.
func (m *MemoryStore) Scan(_ context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		m.mu.RLock()
		ids := make([]string, 0, len(m.jobs))
		for id := range m.jobs {
			if strings.HasPrefix(id, prefix) {
				ids = append(ids, id)
			}
		}
		m.mu.RUnlock()

		slices.Sort(ids)
		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) PushSubmission(_ context.Context, s Submission) error {
	m.mu.Lock()
	m.submissions = append(m.submissions, s)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DequeueSubmission(_ context.Context) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.submissions) == 0 {
		return nil, nil
	}
	s := m.submissions[0]
	m.submissions = m.submissions[1:]
	return &s, nil
}

func (m *MemoryStore) GetScalar(_ context.Context, name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.scalars[name]
	return v, ok, nil
}

func (m *MemoryStore) SetScalar(_ context.Context, name, value string) error {
	m.mu.Lock()
	m.scalars[name] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
