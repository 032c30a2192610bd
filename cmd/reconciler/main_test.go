package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tiered-ledger/internal/allocation"
	"github.com/example/tiered-ledger/internal/exchange"
	"github.com/example/tiered-ledger/internal/reconciliation"
	"github.com/example/tiered-ledger/internal/store/memory"
)

func newEngine(t *testing.T, brokerAllocated, custody string) *reconciliation.Engine {
	t.Helper()
	ctx := context.Background()
	tracker := allocation.NewTracker(memory.NewAllocationStore(), allocation.Options{})
	_, err := tracker.SetPlatformBalance(ctx, "bybit", "BTC", decimal.NewFromInt(10))
	require.NoError(t, err)
	require.True(t, tracker.AllocateToBroker(ctx, "bybit", "BTC", "broker-1", decimal.RequireFromString(brokerAllocated)))

	balances := exchange.NewStaticProvider()
	balances.Set("bybit", "BTC", decimal.RequireFromString(custody))
	return reconciliation.NewEngine(tracker, balances, memory.NewSnapshotStore(), reconciliation.Options{
		SigningKey: []byte("reconciler-test-key"),
	})
}

func TestOnceBalanced(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, once(context.Background(), newEngine(t, "5", "5"), true, &out))

	var result reconciliation.Run
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	require.Len(t, result.Snapshots, 1)
	assert.Equal(t, reconciliation.StatusBalanced, result.Snapshots[0].Status)
}

func TestOnceOverAllocated(t *testing.T) {
	var out bytes.Buffer
	err := once(context.Background(), newEngine(t, "6", "5"), true, &out)
	assert.ErrorIs(t, err, errOverAllocated)
	assert.Contains(t, out.String(), string(reconciliation.StatusOverAllocated))
}
