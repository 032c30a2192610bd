package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tiered-ledger/internal/allocation"
	"github.com/example/tiered-ledger/internal/errs"
	"github.com/example/tiered-ledger/internal/reconciliation"
	"github.com/example/tiered-ledger/internal/store/memory"
	"github.com/example/tiered-ledger/internal/store/sqlite"
)

func openStore(t *testing.T) *sqlite.SnapshotStore {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEmptyStore(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	_, err := store.LatestSnapshot(ctx)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	list, err := store.ListSnapshots(ctx, reconciliation.SnapshotFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	n, err := store.CountInWindow(ctx, "bybit", "BTC", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProofChainRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 10, 15, 0, 123456789, time.UTC)

	engine := reconciliation.NewEngine(allocation.NewTracker(memory.NewAllocationStore(), allocation.Options{}), reconciliation.ProviderFunc(
		func(ctx context.Context, exchangeID, asset string) (decimal.Decimal, error) {
			return decimal.Zero, nil
		}), store, reconciliation.Options{
		Now:          func() time.Time { return now },
		SigningKey:   []byte("sqlite-test-key"),
		SigningKeyID: "k1",
	})

	first, err := engine.GenerateProofOfReserves(ctx, "bybit", "BTC", decimal.RequireFromString("100"), decimal.RequireFromString("105.5"))
	require.NoError(t, err)
	second, err := engine.GenerateProofOfReserves(ctx, "bybit", "BTC", decimal.RequireFromString("100"), decimal.RequireFromString("100"))
	require.NoError(t, err)
	_, err = engine.GenerateProofOfReserves(ctx, "okx", "USDT", decimal.RequireFromString("50.25"), decimal.RequireFromString("40"))
	require.NoError(t, err)

	assert.Equal(t, 1, first.Sequence)
	assert.Equal(t, 2, second.Sequence)

	head, err := store.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), head.ChainIndex)
	assert.Equal(t, reconciliation.StatusUnderAllocated, head.Status)
	assert.True(t, decimal.RequireFromString("10.25").Equal(head.Difference))

	stored, err := store.ListSnapshots(ctx, reconciliation.SnapshotFilter{ExchangeID: "bybit"})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, first.ID, stored[0].ID)
	assert.Equal(t, first.Hash, stored[0].Hash)
	assert.True(t, first.SnapshotAt.Equal(stored[0].SnapshotAt))
	assert.True(t, first.WindowStart.Equal(stored[0].WindowStart))
	assert.Equal(t, reconciliation.StatusOverAllocated, stored[0].Status)

	over, err := store.ListSnapshots(ctx, reconciliation.SnapshotFilter{Status: reconciliation.StatusOverAllocated})
	require.NoError(t, err)
	require.Len(t, over, 1)

	limited, err := store.ListSnapshots(ctx, reconciliation.SnapshotFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, int64(1), limited[0].ChainIndex, "newest two, oldest first")
	assert.Equal(t, int64(2), limited[1].ChainIndex)

	latestBybit, err := store.ListSnapshots(ctx, reconciliation.SnapshotFilter{ExchangeID: "bybit", Limit: 1})
	require.NoError(t, err)
	require.Len(t, latestBybit, 1)
	assert.Equal(t, second.ID, latestBybit[0].ID)

	n, err := store.CountInWindow(ctx, "bybit", "BTC", now.Truncate(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	result, err := engine.VerifySnapshots(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid, result.Reason)
	assert.Equal(t, 3, result.Checked)
}

func TestAppendRejectsReusedChainIndex(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	snap := &reconciliation.Snapshot{
		ID: "s1", ExchangeID: "bybit", Asset: "BTC",
		Status: reconciliation.StatusBalanced, SnapshotAt: now, WindowStart: now.Truncate(time.Hour),
		Sequence: 1, PreviousHash: "p", Hash: "h1",
	}
	require.NoError(t, store.AppendSnapshot(ctx, snap))

	dup := *snap
	dup.ID = "s2"
	dup.Hash = "h2"
	dup.Sequence = 2
	assert.ErrorIs(t, store.AppendSnapshot(ctx, &dup), errs.ErrConflict)
}
