package escrow

import (
	"context"
	"sort"
	"sync"
)

// Store persists contracts. Save writes the contract, all of its milestones
// and the appended transactions atomically.
type Store interface {
	Create(ctx context.Context, c Contract) error
	Get(ctx context.Context, id string) (Contract, error)
	GetByBid(ctx context.Context, bidID string) (Contract, error)
	Save(ctx context.Context, c Contract, appended []Transaction) error
	ListUnreleased(ctx context.Context) ([]Contract, error)
}

type MemoryStore struct {
	mu        sync.Mutex
	contracts map[string]Contract
	byBid     map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[string]Contract),
		byBid:     make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, c Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byBid[c.BidID]; ok {
		return errBidHasEscrow
	}
	s.contracts[c.ID] = c.clone()
	s.byBid[c.BidID] = c.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[id]
	if !ok {
		return Contract{}, ErrEscrowNotFound
	}
	return c.clone(), nil
}

func (s *MemoryStore) GetByBid(_ context.Context, bidID string) (Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byBid[bidID]
	if !ok {
		return Contract{}, ErrEscrowNotFound
	}
	return s.contracts[id].clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, c Contract, _ []Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.contracts[c.ID]; !ok {
		return ErrEscrowNotFound
	}
	s.contracts[c.ID] = c.clone()
	return nil
}

func (s *MemoryStore) ListUnreleased(_ context.Context) ([]Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Contract
	for _, c := range s.contracts {
		if c.State != StateReleased {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
