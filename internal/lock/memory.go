package lock

import (
	"context"
	"sync"
	"time"
)

type record struct {
	owner     string
	updatedAt time.Time
}

// MemoryStore keeps locks in the memory of one instance. Managers sharing
// the same MemoryStore exclude each other; separate processes do not.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]record)}
}

func (s *MemoryStore) Insert(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		if now.Sub(r.updatedAt) <= ttl {
			return false, nil
		}
		delete(s.records, id)
	}
	s.records[id] = record{owner: owner, updatedAt: now}
	return true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok && r.owner == owner {
		delete(s.records, id)
	}
	return nil
}

func (s *MemoryStore) Refresh(ctx context.Context, owner string, ids []string, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if r, ok := s.records[id]; ok && r.owner == owner {
			r.updatedAt = now
			s.records[id] = r
		}
	}
	return nil
}

func (s *MemoryStore) Purge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// Owner returns the owner of the record of id, live or not.
func (s *MemoryStore) Owner(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	return r.owner, ok
}
