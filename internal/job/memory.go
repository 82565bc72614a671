package job

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Records are copied on the way in and on
// the way out so callers never share mutable state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Put(_ context.Context, id string, r *Record) error {
	if err := validateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[id] = r.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id].Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.records[ids[i]], s.records[ids[j]]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return ids[i] > ids[j]
	})
	return ids, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) DeleteTerminalBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.records {
		if r.Status.IsTerminal() && r.UpdatedAt.Before(before) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}
