package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/tiered-ledger/internal/errs"
	"github.com/example/tiered-ledger/internal/reconciliation"
)

// SnapshotStore implements reconciliation.SnapshotRepository as an append-only slice.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots []*reconciliation.Snapshot
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

func (s *SnapshotStore) AppendSnapshot(ctx context.Context, snap *reconciliation.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.snapshots); n > 0 && s.snapshots[n-1].ChainIndex >= snap.ChainIndex {
		return fmt.Errorf("%w: chain index %d already taken", errs.ErrConflict, snap.ChainIndex)
	}
	c := *snap
	s.snapshots = append(s.snapshots, &c)
	return nil
}

func (s *SnapshotStore) LatestSnapshot(ctx context.Context) (*reconciliation.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.snapshots) == 0 {
		return nil, fmt.Errorf("%w: no snapshots", errs.ErrNotFound)
	}
	c := *s.snapshots[len(s.snapshots)-1]
	return &c, nil
}

func (s *SnapshotStore) ListSnapshots(ctx context.Context, filter reconciliation.SnapshotFilter) ([]*reconciliation.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*reconciliation.Snapshot, 0)
	for _, snap := range s.snapshots {
		if !filter.Match(snap) {
			continue
		}
		c := *snap
		out = append(out, &c)
	}
	return filter.Newest(out), nil
}

func (s *SnapshotStore) CountInWindow(ctx context.Context, exchangeID, asset string, windowStart time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, snap := range s.snapshots {
		if snap.ExchangeID == exchangeID && snap.Asset == asset && snap.WindowStart.Equal(windowStart) {
			n++
		}
	}
	return n, nil
}
