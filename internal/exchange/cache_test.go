package exchange_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tiered-ledger/internal/allocation"
	"github.com/example/tiered-ledger/internal/exchange"
	"github.com/example/tiered-ledger/internal/reconciliation"
	"github.com/example/tiered-ledger/internal/store/memory"
)

type countingProvider struct {
	calls   atomic.Int32
	balance decimal.Decimal
	err     error
}

func (p *countingProvider) GetBalance(ctx context.Context, exchangeID, asset string) (decimal.Decimal, error) {
	p.calls.Add(1)
	return p.balance, p.err
}

func newCache(t *testing.T, inner reconciliation.ExchangeBalanceProvider) (*exchange.CachedProvider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return exchange.NewCachedProvider(inner, client, time.Minute, nil), mr
}

func TestCachedProviderReadThrough(t *testing.T) {
	inner := &countingProvider{balance: dec("42.5")}
	cache, mr := newCache(t, inner)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		balance, err := cache.GetBalance(ctx, "bybit", "BTC")
		require.NoError(t, err)
		assert.True(t, dec("42.5").Equal(balance))
	}
	assert.Equal(t, int32(1), inner.calls.Load())

	stored, err := mr.Get("ledger:exchange_balance:bybit:BTC")
	require.NoError(t, err)
	assert.Equal(t, "42.5", stored)

	mr.FastForward(2 * time.Minute)
	_, err = cache.GetBalance(ctx, "bybit", "BTC")
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load(), "expired entry is refetched")

	require.NoError(t, cache.Invalidate(ctx, "bybit", "BTC"))
	_, err = cache.GetBalance(ctx, "bybit", "BTC")
	require.NoError(t, err)
	assert.Equal(t, int32(3), inner.calls.Load())
}

func TestCachedProviderDoesNotCacheFailures(t *testing.T) {
	inner := &countingProvider{err: errors.New("down")}
	cache, mr := newCache(t, inner)
	ctx := context.Background()

	_, err := cache.GetBalance(ctx, "bybit", "BTC")
	require.Error(t, err)
	assert.False(t, mr.Exists("ledger:exchange_balance:bybit:BTC"))

	inner.err = nil
	inner.balance = dec("1")
	balance, err := cache.GetBalance(ctx, "bybit", "BTC")
	require.NoError(t, err)
	assert.True(t, dec("1").Equal(balance))
}

func TestCachedProviderFallsBackWhenRedisIsDown(t *testing.T) {
	inner := &countingProvider{balance: dec("7")}
	cache, mr := newCache(t, inner)
	mr.Close()

	balance, err := cache.GetBalance(context.Background(), "bybit", "BTC")
	require.NoError(t, err)
	assert.True(t, dec("7").Equal(balance))
}

func TestReconcilePairRefreshesCachedBalance(t *testing.T) {
	ctx := context.Background()
	inner := &countingProvider{balance: dec("10")}
	cache, _ := newCache(t, inner)

	tracker := allocation.NewTracker(memory.NewAllocationStore(), allocation.Options{})
	_, err := tracker.SetPlatformBalance(ctx, "bybit", "BTC", dec("10"))
	require.NoError(t, err)
	require.True(t, tracker.AllocateToBroker(ctx, "bybit", "BTC", "brokerA", dec("10")))
	engine := reconciliation.NewEngine(tracker, cache, memory.NewSnapshotStore(), reconciliation.Options{})

	for i := 0; i < 2; i++ {
		_, err := engine.GetPlatformAssetReconciliation(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), inner.calls.Load(), "platform report reads through the cache")

	inner.balance = dec("8")
	entry, err := engine.ReconcilePair(ctx, "bybit", "BTC")
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
	assert.Equal(t, reconciliation.StatusOverAllocated, entry.Status)
	assert.True(t, dec("-2").Equal(entry.Difference))
}
