package deathqueue

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a Store that keeps everything in process memory. Entries do
// not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key]JoinRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key]JoinRequest)}
}

func (s *MemoryStore) LoadAll(_ context.Context) ([]JoinRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JoinRequest, 0, len(s.entries))
	for _, req := range s.entries {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinTime < out[j].JoinTime })
	return out, nil
}

func (s *MemoryStore) Put(_ context.Context, req JoinRequest) error {
	s.mu.Lock()
	s.entries[req.Key()] = req
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}
