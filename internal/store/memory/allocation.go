package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/tiered-ledger/internal/allocation"
	"github.com/example/tiered-ledger/internal/errs"
)

// AllocationStore implements allocation.Repository.
type AllocationStore struct {
	mu          sync.RWMutex
	allocations map[string]*allocation.PlatformAllocation
}

func NewAllocationStore() *AllocationStore {
	return &AllocationStore{allocations: make(map[string]*allocation.PlatformAllocation)}
}

func (s *AllocationStore) GetAllocation(ctx context.Context, exchangeID, asset string) (*allocation.PlatformAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.allocations[allocation.Key(exchangeID, asset)]
	if !ok {
		return nil, fmt.Errorf("%w: allocation %s", errs.ErrNotFound, allocation.Key(exchangeID, asset))
	}
	return a.Clone(), nil
}

func (s *AllocationStore) ListAllocations(ctx context.Context) ([]*allocation.PlatformAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*allocation.PlatformAllocation, 0, len(s.allocations))
	for _, a := range s.allocations {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExchangeID != out[j].ExchangeID {
			return out[i].ExchangeID < out[j].ExchangeID
		}
		return out[i].Asset < out[j].Asset
	})
	return out, nil
}

func (s *AllocationStore) SaveAllocation(ctx context.Context, a *allocation.PlatformAllocation, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := a.Key()
	current, exists := s.allocations[key]
	switch {
	case expectedVersion == 0 && exists:
		return fmt.Errorf("%w: allocation %s already exists", errs.ErrConflict, key)
	case expectedVersion != 0 && !exists:
		return fmt.Errorf("%w: allocation %s", errs.ErrNotFound, key)
	case exists && current.Version != expectedVersion:
		return fmt.Errorf("%w: allocation %s is at version %d, expected %d", errs.ErrConflict, key, current.Version, expectedVersion)
	}
	s.allocations[key] = a.Clone()
	return nil
}
