package emergency

import (
	"context"
	"sort"
	"sync"
)

// Store persists broadcasts. Save updates the broadcast and the state of its
// existing notifications and appends new ones, atomically.
type Store interface {
	Create(ctx context.Context, b Broadcast) error
	Get(ctx context.Context, id string) (Broadcast, error)
	Save(ctx context.Context, b Broadcast, appended []Notification) error
	ListWithPending(ctx context.Context) ([]Broadcast, error)
}

type MemoryStore struct {
	mu         sync.Mutex
	broadcasts map[string]Broadcast
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{broadcasts: make(map[string]Broadcast)}
}

func (s *MemoryStore) Create(_ context.Context, b Broadcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasts[b.ID] = b.clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return Broadcast{}, ErrBroadcastNotFound
	}
	return b.clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, b Broadcast, _ []Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.broadcasts[b.ID]; !ok {
		return ErrBroadcastNotFound
	}
	s.broadcasts[b.ID] = b.clone()
	return nil
}

func (s *MemoryStore) ListWithPending(_ context.Context) ([]Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Broadcast
	for _, b := range s.broadcasts {
		for _, n := range b.Notifications {
			if n.State == ResponsePending {
				out = append(out, b.clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
