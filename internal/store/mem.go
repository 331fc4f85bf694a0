package store

import (
	"sort"
	"sync"

	"github.com/p-stojkovski/glassy-school-nexus-sub003/internal/types"
)

// MemStore is an in-memory Store used in tests and for ephemeral queues.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]*types.Item
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]*types.Item)}
}

func (s *MemStore) Load(namespace string) ([]*types.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]*types.Item, 0, len(s.data[namespace]))
	for _, it := range s.data[namespace] {
		items = append(items, it.Clone())
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemStore) Save(namespace string, items []*types.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := make([]*types.Item, 0, len(items))
	for _, it := range items {
		saved = append(saved, it.Clone())
	}
	s.data[namespace] = saved
	return nil
}

func (s *MemStore) Close() error { return nil }
