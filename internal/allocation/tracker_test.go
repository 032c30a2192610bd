package allocation_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tiered-ledger/internal/allocation"
	"github.com/example/tiered-ledger/internal/errs"
	"github.com/example/tiered-ledger/internal/events"
	"github.com/example/tiered-ledger/internal/metrics"
	"github.com/example/tiered-ledger/internal/store/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTracker(t *testing.T, total string) (*allocation.Tracker, *events.MemoryPublisher) {
	t.Helper()
	publisher := &events.MemoryPublisher{}
	tracker := allocation.NewTracker(memory.NewAllocationStore(), allocation.Options{Publisher: publisher})
	_, err := tracker.SetPlatformBalance(context.Background(), "bybit", "BTC", dec(total))
	require.NoError(t, err)
	return tracker, publisher
}

func mustGet(t *testing.T, tracker *allocation.Tracker) *allocation.PlatformAllocation {
	t.Helper()
	a, err := tracker.GetPlatformAllocation(context.Background(), "bybit", "BTC")
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NoError(t, allocation.CheckInvariants(a))
	return a
}

func TestAllocateFundsScenario(t *testing.T) {
	ctx := context.Background()
	tracker, publisher := newTracker(t, "10")

	ok := tracker.AllocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("4"))
	require.True(t, ok)

	a := mustGet(t, tracker)
	assert.True(t, dec("6").Equal(a.AvailableForAllocation))
	assert.True(t, dec("4").Equal(a.BrokerAllocations["brokerA"]))
	assert.True(t, dec("4").Equal(a.CustomerAllocation("brokerA", "cust1")))

	ok = tracker.AllocateFunds(ctx, "bybit", "BTC", "brokerA", "cust2", dec("7"))
	assert.False(t, ok)

	after := mustGet(t, tracker)
	assert.Equal(t, a.Version, after.Version, "a refused allocation changes nothing")
	assert.True(t, dec("6").Equal(after.AvailableForAllocation))

	balance, err := tracker.GetAvailableBalance(ctx, "bybit", "BTC", "brokerA", "cust1")
	require.NoError(t, err)
	assert.True(t, dec("4").Equal(balance))

	// set + allocate
	assert.Len(t, publisher.OfType(events.AllocationChanged), 2)
}

func TestAllocateWithinBrokerHeadroom(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTracker(t, "10")

	require.True(t, tracker.AllocateToBroker(ctx, "bybit", "BTC", "brokerA", dec("5")))
	require.True(t, tracker.AllocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("3")))

	a := mustGet(t, tracker)
	assert.True(t, dec("5").Equal(a.BrokerAllocations["brokerA"]), "existing broker ceiling is reused")
	assert.True(t, dec("5").Equal(a.AvailableForAllocation))
	assert.True(t, dec("2").Equal(a.BrokerHeadroom("brokerA")))

	assert.False(t, tracker.AllocateFunds(ctx, "bybit", "BTC", "brokerA", "cust2", dec("3")), "beyond headroom")
	assert.True(t, tracker.AllocateFunds(ctx, "bybit", "BTC", "brokerA", "cust2", dec("2")))

	assert.False(t, tracker.DeallocateFromBroker(ctx, "bybit", "BTC", "brokerA", dec("1")), "no unassigned headroom left")
}

func TestAllocateExactlyAvailable(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTracker(t, "10")

	require.True(t, tracker.AllocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("10")))
	a := mustGet(t, tracker)
	assert.True(t, a.AvailableForAllocation.IsZero())

	assert.False(t, tracker.AllocateFunds(ctx, "bybit", "BTC", "brokerB", "cust9", dec("0.00000001")))
}

func TestDeallocateFunds(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTracker(t, "10")
	require.True(t, tracker.AllocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("4")))

	assert.False(t, tracker.DeallocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("4.5")), "more than allocated")
	assert.False(t, tracker.DeallocateFunds(ctx, "bybit", "BTC", "brokerA", "nobody", dec("1")))

	require.True(t, tracker.DeallocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("1.5")))
	a := mustGet(t, tracker)
	assert.True(t, dec("2.5").Equal(a.CustomerAllocation("brokerA", "cust1")))
	assert.True(t, dec("2.5").Equal(a.BrokerAllocations["brokerA"]))
	assert.True(t, dec("7.5").Equal(a.AvailableForAllocation))

	require.True(t, tracker.DeallocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("2.5")))
	a = mustGet(t, tracker)
	assert.True(t, a.CustomerAllocation("brokerA", "cust1").IsZero())
	assert.NotContains(t, a.BrokerAllocations, "brokerA")
	assert.Empty(t, a.PoolFunded)
	assert.True(t, dec("10").Equal(a.AvailableForAllocation))
}

func TestDeallocateReturnsHeadroomToBroker(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTracker(t, "100")
	require.True(t, tracker.AllocateToBroker(ctx, "bybit", "BTC", "brokerA", dec("10")))
	before := mustGet(t, tracker)

	require.True(t, tracker.AllocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("4")))
	require.True(t, tracker.DeallocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("4")))

	after := mustGet(t, tracker)
	assert.True(t, before.BrokerAllocations["brokerA"].Equal(after.BrokerAllocations["brokerA"]),
		"broker ceiling %s became %s", before.BrokerAllocations["brokerA"], after.BrokerAllocations["brokerA"])
	assert.True(t, before.AvailableForAllocation.Equal(after.AvailableForAllocation))
	assert.True(t, dec("10").Equal(after.BrokerHeadroom("brokerA")))
	assert.Empty(t, after.CustomerAllocations)
}

func TestAllocateDeallocateRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		setup func(ctx context.Context, tracker *allocation.Tracker) bool
	}{
		{"broker without ceiling", func(context.Context, *allocation.Tracker) bool { return true }},
		{"pre-funded broker", func(ctx context.Context, tr *allocation.Tracker) bool {
			return tr.AllocateToBroker(ctx, "bybit", "BTC", "brokerA", dec("10"))
		}},
		{"customer already pool-funded", func(ctx context.Context, tr *allocation.Tracker) bool {
			return tr.AllocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("6")) &&
				tr.AllocateToBroker(ctx, "bybit", "BTC", "brokerA", dec("5"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			tracker, _ := newTracker(t, "100")
			require.True(t, tt.setup(ctx, tracker))
			before := mustGet(t, tracker)

			require.True(t, tracker.AllocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("3")))
			require.True(t, tracker.DeallocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("3")))

			after := mustGet(t, tracker)
			assert.True(t, before.AvailableForAllocation.Equal(after.AvailableForAllocation))
			assert.True(t, before.BrokerAllocations["brokerA"].Equal(after.BrokerAllocations["brokerA"]))
			assert.True(t, before.CustomerAllocation("brokerA", "cust1").Equal(after.CustomerAllocation("brokerA", "cust1")))
			assert.True(t, before.PoolFundedAmount("brokerA", "cust1").Equal(after.PoolFundedAmount("brokerA", "cust1")))
		})
	}
}

func TestDeallocateSplitsHeadroomAndPool(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTracker(t, "100")
	require.True(t, tracker.AllocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("6")))
	require.True(t, tracker.AllocateToBroker(ctx, "bybit", "BTC", "brokerA", dec("5")))
	require.True(t, tracker.AllocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("3")))

	// 3 came from headroom, 6 from the pool.
	require.True(t, tracker.DeallocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("5")))
	a := mustGet(t, tracker)
	assert.True(t, dec("4").Equal(a.CustomerAllocation("brokerA", "cust1")))
	assert.True(t, dec("4").Equal(a.PoolFundedAmount("brokerA", "cust1")))
	assert.True(t, dec("9").Equal(a.BrokerAllocations["brokerA"]))
	assert.True(t, dec("5").Equal(a.BrokerHeadroom("brokerA")))
	assert.True(t, dec("91").Equal(a.AvailableForAllocation))
}

func TestInvalidRequestsAreRefused(t *testing.T) {
	ctx := context.Background()
	collector := metrics.NewCollector()
	tracker := allocation.NewTracker(memory.NewAllocationStore(), allocation.Options{Metrics: collector})
	_, err := tracker.SetPlatformBalance(ctx, "bybit", "BTC", dec("10"))
	require.NoError(t, err)

	tests := []struct {
		name     string
		exchange string
		broker   string
		customer string
		amount   decimal.Decimal
	}{
		{"zero amount", "bybit", "brokerA", "cust1", decimal.Zero},
		{"negative amount", "bybit", "brokerA", "cust1", dec("-1")},
		{"empty broker", "bybit", "", "cust1", dec("1")},
		{"empty customer", "bybit", "brokerA", " ", dec("1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, tracker.AllocateFunds(ctx, tt.exchange, "BTC", tt.broker, tt.customer, tt.amount))
			assert.False(t, tracker.DeallocateFunds(ctx, tt.exchange, "BTC", tt.broker, tt.customer, tt.amount))
		})
	}

	assert.False(t, tracker.AllocateFunds(ctx, "okx", "BTC", "brokerA", "cust1", dec("1")), "unknown pair")

	assert.Equal(t, float64(4), allocationCount(t, collector, "allocate", "invalid_input"))
	assert.Equal(t, float64(1), allocationCount(t, collector, "allocate", "not_found"))
}

func allocationCount(t *testing.T, c *metrics.Collector, operation, result string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "ledger_allocation_operations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["operation"] == operation && labels["result"] == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestSetPlatformBalance(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTracker(t, "10")
	require.True(t, tracker.AllocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("4")))

	a, err := tracker.SetPlatformBalance(ctx, "bybit", "BTC", dec("12"))
	require.NoError(t, err)
	assert.True(t, dec("8").Equal(a.AvailableForAllocation))

	_, err = tracker.SetPlatformBalance(ctx, "bybit", "BTC", dec("3"))
	assert.Equal(t, errs.KindAllocationExceeds, errs.KindOf(err))

	_, err = tracker.SetPlatformBalance(ctx, "bybit", "BTC", dec("-1"))
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = tracker.SetPlatformBalance(ctx, "", "BTC", dec("1"))
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	a, err = tracker.SetPlatformBalance(ctx, "bybit", "BTC", dec("4"))
	require.NoError(t, err)
	assert.True(t, a.AvailableForAllocation.IsZero())
}

func TestLookupsForUnknownPairs(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTracker(t, "10")

	a, err := tracker.GetPlatformAllocation(ctx, "okx", "ETH")
	require.NoError(t, err)
	assert.Nil(t, a)

	_, err = tracker.RequirePlatformAllocation(ctx, "okx", "ETH")
	assert.ErrorIs(t, err, errs.ErrFundNotFound)

	balance, err := tracker.GetAvailableBalance(ctx, "okx", "ETH", "brokerA", "cust1")
	require.NoError(t, err)
	assert.True(t, balance.IsZero())

	_, err = tracker.SetPlatformBalance(ctx, "binance", "ETH", dec("3"))
	require.NoError(t, err)
	all, err := tracker.GetPlatformAllocations(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "binance", all[0].ExchangeID)
	assert.Equal(t, "bybit", all[1].ExchangeID)
}

func TestReturnedAllocationIsACopy(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTracker(t, "10")
	require.True(t, tracker.AllocateFunds(ctx, "bybit", "BTC", "brokerA", "cust1", dec("4")))

	a := mustGet(t, tracker)
	a.BrokerAllocations["brokerA"] = dec("100")
	a.CustomerAllocations["brokerA"]["cust1"] = dec("100")
	a.PoolFunded["brokerA"]["cust1"] = dec("100")

	fresh := mustGet(t, tracker)
	assert.True(t, dec("4").Equal(fresh.BrokerAllocations["brokerA"]))
	assert.True(t, dec("4").Equal(fresh.CustomerAllocation("brokerA", "cust1")))
	assert.True(t, dec("4").Equal(fresh.PoolFundedAmount("brokerA", "cust1")))
}

func TestConcurrentAllocationsKeepInvariants(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTracker(t, "100")
	for b := 0; b < 5; b++ {
		require.True(t, tracker.AllocateToBroker(ctx, "bybit", "BTC", fmt.Sprintf("broker-%d", b), dec("20")))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted = decimal.Zero
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			broker := fmt.Sprintf("broker-%d", i%5)
			customer := fmt.Sprintf("cust-%d", i)
			if !tracker.AllocateFunds(ctx, "bybit", "BTC", broker, customer, dec("1.5")) {
				return
			}
			mu.Lock()
			granted = granted.Add(dec("1.5"))
			mu.Unlock()
			if i%3 == 0 && tracker.DeallocateFunds(ctx, "bybit", "BTC", broker, customer, dec("0.5")) {
				mu.Lock()
				granted = granted.Sub(dec("0.5"))
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	a := mustGet(t, tracker)
	assigned := decimal.Zero
	for b := 0; b < 5; b++ {
		assigned = assigned.Add(a.CustomerTotal(fmt.Sprintf("broker-%d", b)))
	}
	assert.True(t, granted.Equal(assigned), "granted %s, assigned %s", granted, assigned)
	assert.True(t, a.AvailableForAllocation.GreaterThanOrEqual(decimal.Zero))
}

func TestConcurrentReadersSeeConsistentAllocations(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTracker(t, "100")
	require.True(t, tracker.AllocateToBroker(ctx, "bybit", "BTC", "broker-0", dec("30")))

	done := make(chan struct{})
	var readers sync.WaitGroup
	violations := make(chan error, 4)
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				a, err := tracker.GetPlatformAllocation(ctx, "bybit", "BTC")
				if err == nil {
					err = allocation.CheckInvariants(a)
				}
				if err != nil {
					violations <- err
					return
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for i := 0; i < 100; i++ {
		writers.Add(1)
		go func(i int) {
			defer writers.Done()
			broker := fmt.Sprintf("broker-%d", i%3)
			customer := fmt.Sprintf("cust-%d", i%7)
			if tracker.AllocateFunds(ctx, "bybit", "BTC", broker, customer, dec("2")) {
				tracker.DeallocateFunds(ctx, "bybit", "BTC", broker, customer, dec("1"))
			}
			if i%10 == 0 {
				tracker.AllocateToBroker(ctx, "bybit", "BTC", broker, dec("1"))
			}
		}(i)
	}
	writers.Wait()
	close(done)
	readers.Wait()
	close(violations)

	for err := range violations {
		assert.NoError(t, err)
	}
	mustGet(t, tracker)
}

func TestCheckInvariants(t *testing.T) {
	good := &allocation.PlatformAllocation{
		ExchangeID:             "bybit",
		Asset:                  "BTC",
		TotalPlatformBalance:   dec("10"),
		AvailableForAllocation: dec("6"),
		BrokerAllocations:      map[string]decimal.Decimal{"a": dec("4")},
		CustomerAllocations:    map[string]map[string]decimal.Decimal{"a": {"c1": dec("3")}},
	}
	require.NoError(t, allocation.CheckInvariants(good))

	unbalanced := good.Clone()
	unbalanced.AvailableForAllocation = dec("7")
	assert.ErrorIs(t, allocation.CheckInvariants(unbalanced), allocation.ErrInvariantViolation)

	overAssigned := good.Clone()
	overAssigned.CustomerAllocations["a"]["c2"] = dec("2")
	assert.ErrorIs(t, allocation.CheckInvariants(overAssigned), allocation.ErrInvariantViolation)

	overPooled := good.Clone()
	overPooled.PoolFunded = map[string]map[string]decimal.Decimal{"a": {"c1": dec("3.5")}}
	assert.ErrorIs(t, allocation.CheckInvariants(overPooled), allocation.ErrInvariantViolation)

	negative := good.Clone()
	negative.TotalPlatformBalance = dec("-1")
	negative.AvailableForAllocation = dec("-5")
	assert.ErrorIs(t, allocation.CheckInvariants(negative), allocation.ErrInvariantViolation)
}
