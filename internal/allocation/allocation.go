// Package allocation tracks how exchange-custodied platform balances are split
// among brokers and their customers.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvariantViolation marks a record whose totals do not add up.
var ErrInvariantViolation = errors.New("allocation invariant violated")

// PlatformAllocation is the bookkeeping for one (exchange, asset) pair. The maps are
// only changed through Tracker operations.
type PlatformAllocation struct {
	ID                     string                                `json:"id"`
	ExchangeID             string                                `json:"exchange_id"`
	Asset                  string                                `json:"asset"`
	TotalPlatformBalance   decimal.Decimal                       `json:"total_platform_balance"`
	AvailableForAllocation decimal.Decimal                       `json:"available_for_allocation"`
	BrokerAllocations      map[string]decimal.Decimal            `json:"broker_allocations"`
	CustomerAllocations    map[string]map[string]decimal.Decimal `json:"customer_allocations"`
	// PoolFunded is the part of each customer allocation that raised the broker
	// allocation straight out of the platform pool. Deallocating it returns it to the
	// pool; everything else goes back to broker headroom.
	PoolFunded map[string]map[string]decimal.Decimal `json:"pool_funded,omitempty"`
	// Version increases on every save; shared stores use it for optimistic locking.
	Version     int64     `json:"version"`
	LastUpdated time.Time `json:"last_updated"`
}

// Key identifies the record in lock tables and caches.
func Key(exchangeID, asset string) string {
	return exchangeID + "/" + asset
}

func (a *PlatformAllocation) Key() string {
	return Key(a.ExchangeID, a.Asset)
}

// Clone returns a deep copy.
func (a *PlatformAllocation) Clone() *PlatformAllocation {
	if a == nil {
		return nil
	}
	c := *a
	c.BrokerAllocations = make(map[string]decimal.Decimal, len(a.BrokerAllocations))
	for b, amt := range a.BrokerAllocations {
		c.BrokerAllocations[b] = amt
	}
	c.CustomerAllocations = cloneNested(a.CustomerAllocations)
	c.PoolFunded = cloneNested(a.PoolFunded)
	return &c
}

func cloneNested(src map[string]map[string]decimal.Decimal) map[string]map[string]decimal.Decimal {
	out := make(map[string]map[string]decimal.Decimal, len(src))
	for b, customers := range src {
		m := make(map[string]decimal.Decimal, len(customers))
		for cust, amt := range customers {
			m[cust] = amt
		}
		out[b] = m
	}
	return out
}

// BrokerTotal is the sum of every broker allocation.
func (a *PlatformAllocation) BrokerTotal() decimal.Decimal {
	sum := decimal.Zero
	for _, amt := range a.BrokerAllocations {
		sum = sum.Add(amt)
	}
	return sum
}

// CustomerTotal is the sum of a broker's customer allocations.
func (a *PlatformAllocation) CustomerTotal(brokerID string) decimal.Decimal {
	sum := decimal.Zero
	for _, amt := range a.CustomerAllocations[brokerID] {
		sum = sum.Add(amt)
	}
	return sum
}

// BrokerHeadroom is the part of a broker allocation not yet assigned to customers.
func (a *PlatformAllocation) BrokerHeadroom(brokerID string) decimal.Decimal {
	return a.BrokerAllocations[brokerID].Sub(a.CustomerTotal(brokerID))
}

// CustomerAllocation returns one customer's allocated amount, zero if none.
func (a *PlatformAllocation) CustomerAllocation(brokerID, customerID string) decimal.Decimal {
	return a.CustomerAllocations[brokerID][customerID]
}

// PoolFundedAmount returns how much of a customer's allocation came from the pool.
func (a *PlatformAllocation) PoolFundedAmount(brokerID, customerID string) decimal.Decimal {
	return a.PoolFunded[brokerID][customerID]
}

func (a *PlatformAllocation) addBroker(brokerID string, delta decimal.Decimal) {
	if a.BrokerAllocations == nil {
		a.BrokerAllocations = make(map[string]decimal.Decimal)
	}
	next := a.BrokerAllocations[brokerID].Add(delta)
	if next.IsZero() {
		delete(a.BrokerAllocations, brokerID)
		return
	}
	a.BrokerAllocations[brokerID] = next
}

func (a *PlatformAllocation) addCustomer(brokerID, customerID string, delta decimal.Decimal) {
	if a.CustomerAllocations == nil {
		a.CustomerAllocations = make(map[string]map[string]decimal.Decimal)
	}
	addNested(a.CustomerAllocations, brokerID, customerID, delta)
}

func (a *PlatformAllocation) addPoolFunded(brokerID, customerID string, delta decimal.Decimal) {
	if a.PoolFunded == nil {
		a.PoolFunded = make(map[string]map[string]decimal.Decimal)
	}
	addNested(a.PoolFunded, brokerID, customerID, delta)
}

// addNested applies delta and drops entries that reach zero.
func addNested(m map[string]map[string]decimal.Decimal, brokerID, customerID string, delta decimal.Decimal) {
	customers := m[brokerID]
	if customers == nil {
		customers = make(map[string]decimal.Decimal)
		m[brokerID] = customers
	}
	next := customers[customerID].Add(delta)
	if next.IsZero() {
		delete(customers, customerID)
		if len(customers) == 0 {
			delete(m, brokerID)
		}
		return
	}
	customers[customerID] = next
}

// CheckInvariants verifies that available plus broker allocations equals the total,
// that no broker hands out more than it holds and that nothing is negative. The
// pool-funded part of a customer allocation may not exceed the allocation.
func CheckInvariants(a *PlatformAllocation) error {
	if a.AvailableForAllocation.IsNegative() {
		return fmt.Errorf("%w: %s available is negative (%s)", ErrInvariantViolation, a.Key(), a.AvailableForAllocation)
	}
	brokers := a.BrokerTotal()
	if !a.AvailableForAllocation.Add(brokers).Equal(a.TotalPlatformBalance) {
		return fmt.Errorf("%w: %s available %s + brokers %s != total %s",
			ErrInvariantViolation, a.Key(), a.AvailableForAllocation, brokers, a.TotalPlatformBalance)
	}
	for _, b := range sortedKeys(a.BrokerAllocations) {
		if a.BrokerAllocations[b].IsNegative() {
			return fmt.Errorf("%w: %s broker %s allocation is negative", ErrInvariantViolation, a.Key(), b)
		}
	}
	for b, customers := range a.CustomerAllocations {
		for c, amt := range customers {
			if amt.IsNegative() {
				return fmt.Errorf("%w: %s customer %s/%s allocation is negative", ErrInvariantViolation, a.Key(), b, c)
			}
		}
		if total := a.CustomerTotal(b); total.GreaterThan(a.BrokerAllocations[b]) {
			return fmt.Errorf("%w: %s broker %s customers %s exceed broker allocation %s",
				ErrInvariantViolation, a.Key(), b, total, a.BrokerAllocations[b])
		}
	}
	for b, customers := range a.PoolFunded {
		for c, amt := range customers {
			if amt.IsNegative() || amt.GreaterThan(a.CustomerAllocation(b, c)) {
				return fmt.Errorf("%w: %s customer %s/%s pool-funded %s outside allocation %s",
					ErrInvariantViolation, a.Key(), b, c, amt, a.CustomerAllocation(b, c))
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]decimal.Decimal) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Repository persists allocation records. GetAllocation returns errs.ErrNotFound
// (wrapped) for unknown pairs.
type Repository interface {
	GetAllocation(ctx context.Context, exchangeID, asset string) (*PlatformAllocation, error)
	ListAllocations(ctx context.Context) ([]*PlatformAllocation, error)
	// SaveAllocation inserts a when expectedVersion is 0 and otherwise updates the
	// stored record only if its version still equals expectedVersion. A lost race
	// returns errs.ErrConflict.
	SaveAllocation(ctx context.Context, a *PlatformAllocation, expectedVersion int64) error
}
