package allocation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/tiered-ledger/internal/errs"
	"github.com/example/tiered-ledger/internal/events"
	"github.com/example/tiered-ledger/internal/keylock"
	"github.com/example/tiered-ledger/internal/metrics"
)

const maxSaveAttempts = 3

// Result labels for allocation_operations_total.
const (
	resultOK                 = "ok"
	resultInvalidInput       = "invalid_input"
	resultNotFound           = "not_found"
	resultExceedsAvailable   = "exceeds_available"
	resultExceedsHeadroom    = "exceeds_broker_headroom"
	resultExceedsAllocation  = "exceeds_allocation"
	resultConflict           = "conflict"
	resultInvariantViolation = "invariant_violation"
	resultStorageError       = "storage_error"
)

// Options configures a Tracker.
type Options struct {
	Logger    *zap.Logger
	Locker    *keylock.Locker
	Metrics   *metrics.Collector
	Publisher events.Publisher
	Now       func() time.Time
}

// Tracker sub-divides each (exchange, asset) platform balance among brokers and
// customers. Mutations on one pair are serialized; different pairs run in parallel.
//
// Allocate and deallocate report failure as false rather than an error. Callers must
// check the result and must not assume any partial change happened.
type Tracker struct {
	repo      Repository
	locker    *keylock.Locker
	metrics   *metrics.Collector
	publisher events.Publisher
	now       func() time.Time
	logger    *zap.Logger
}

// NewTracker creates a tracker over repo.
func NewTracker(repo Repository, opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Locker == nil {
		opts.Locker = keylock.New()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{
		repo:      repo,
		locker:    opts.Locker,
		metrics:   opts.Metrics,
		publisher: opts.Publisher,
		now:       opts.Now,
		logger:    opts.Logger.Named("allocation"),
	}
}

// SetPlatformBalance creates the record for a pair or changes its total. The total
// can never drop below what is already allocated to brokers.
func (t *Tracker) SetPlatformBalance(ctx context.Context, exchangeID, asset string, total decimal.Decimal) (*PlatformAllocation, error) {
	if exchangeID == "" || asset == "" {
		return nil, errs.E(errs.KindValidation, "exchange id and asset are required")
	}
	if total.IsNegative() {
		return nil, errs.E(errs.KindValidation, "platform balance must not be negative")
	}

	unlock := t.locker.Lock(Key(exchangeID, asset))
	defer unlock()

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		current, err := t.repo.GetAllocation(ctx, exchangeID, asset)
		var next *PlatformAllocation
		var expected int64
		switch {
		case errors.Is(err, errs.ErrNotFound):
			next = &PlatformAllocation{
				ID:                  uuid.NewString(),
				ExchangeID:          exchangeID,
				Asset:               asset,
				BrokerAllocations:   make(map[string]decimal.Decimal),
				CustomerAllocations: make(map[string]map[string]decimal.Decimal),
			}
		case err != nil:
			return nil, errs.Internal(err, "failed to load allocation %s", Key(exchangeID, asset))
		default:
			next = current.Clone()
			expected = current.Version
		}

		allocated := next.BrokerTotal()
		if total.LessThan(allocated) {
			return nil, errs.E(errs.KindAllocationExceeds,
				"platform balance %s is below the %s already allocated to brokers on %s", total, allocated, next.Key())
		}
		next.TotalPlatformBalance = total
		next.AvailableForAllocation = total.Sub(allocated)
		next.Version = expected + 1
		next.LastUpdated = t.now()

		err = t.repo.SaveAllocation(ctx, next, expected)
		if errors.Is(err, errs.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, errs.Internal(err, "failed to save allocation %s", next.Key())
		}

		t.metrics.RecordAllocation("set_platform_balance", resultOK)
		t.logger.Info("platform balance set",
			zap.String("exchange_id", exchangeID),
			zap.String("asset", asset),
			zap.String("total", total.String()),
			zap.String("available", next.AvailableForAllocation.String()),
		)
		t.emit(ctx, "set_platform_balance", next)
		return next.Clone(), nil
	}

	t.metrics.RecordAllocation("set_platform_balance", resultConflict)
	return nil, errs.E(errs.KindInternal, "allocation %s kept changing concurrently", Key(exchangeID, asset))
}

// AllocateFunds assigns amount to a customer of a broker. A broker without an
// allocation is first given amount out of the unallocated platform balance and the
// customer's share is marked pool-funded; a broker that already holds one must have
// enough unassigned headroom.
func (t *Tracker) AllocateFunds(ctx context.Context, exchangeID, asset, brokerID, customerID string, amount decimal.Decimal) bool {
	if !validRequest(exchangeID, asset, brokerID, customerID, amount) {
		t.reject("allocate", exchangeID, asset, brokerID, customerID, amount, resultInvalidInput)
		return false
	}
	return t.mutate(ctx, "allocate", exchangeID, asset, brokerID, customerID, amount, func(a *PlatformAllocation) string {
		if !a.BrokerAllocations[brokerID].IsPositive() {
			if amount.GreaterThan(a.AvailableForAllocation) {
				return resultExceedsAvailable
			}
			a.addBroker(brokerID, amount)
			a.addPoolFunded(brokerID, customerID, amount)
			a.AvailableForAllocation = a.AvailableForAllocation.Sub(amount)
		} else if amount.GreaterThan(a.BrokerHeadroom(brokerID)) {
			return resultExceedsHeadroom
		}
		a.addCustomer(brokerID, customerID, amount)
		return ""
	})
}

// DeallocateFunds undoes AllocateFunds for amount. The part of the customer
// allocation that was taken from broker headroom goes back to that headroom first;
// only the pool-funded remainder shrinks the broker allocation and returns to the
// unallocated platform balance. Allocating and then deallocating the same amount
// leaves the record as it was.
func (t *Tracker) DeallocateFunds(ctx context.Context, exchangeID, asset, brokerID, customerID string, amount decimal.Decimal) bool {
	if !validRequest(exchangeID, asset, brokerID, customerID, amount) {
		t.reject("deallocate", exchangeID, asset, brokerID, customerID, amount, resultInvalidInput)
		return false
	}
	return t.mutate(ctx, "deallocate", exchangeID, asset, brokerID, customerID, amount, func(a *PlatformAllocation) string {
		if amount.GreaterThan(a.CustomerAllocation(brokerID, customerID)) {
			return resultExceedsAllocation
		}
		pooled := a.PoolFundedAmount(brokerID, customerID)
		fromHeadroom := decimal.Min(amount, a.CustomerAllocation(brokerID, customerID).Sub(pooled))
		toPool := amount.Sub(fromHeadroom)

		a.addCustomer(brokerID, customerID, amount.Neg())
		if toPool.IsPositive() {
			a.addPoolFunded(brokerID, customerID, toPool.Neg())
			a.addBroker(brokerID, toPool.Neg())
			a.AvailableForAllocation = a.AvailableForAllocation.Add(toPool)
		}
		return ""
	})
}

// AllocateToBroker raises a broker ceiling out of the unallocated platform balance
// without assigning it to any customer.
func (t *Tracker) AllocateToBroker(ctx context.Context, exchangeID, asset, brokerID string, amount decimal.Decimal) bool {
	if !validRequest(exchangeID, asset, brokerID, "-", amount) {
		t.reject("allocate_broker", exchangeID, asset, brokerID, "", amount, resultInvalidInput)
		return false
	}
	return t.mutate(ctx, "allocate_broker", exchangeID, asset, brokerID, "", amount, func(a *PlatformAllocation) string {
		if amount.GreaterThan(a.AvailableForAllocation) {
			return resultExceedsAvailable
		}
		a.addBroker(brokerID, amount)
		a.AvailableForAllocation = a.AvailableForAllocation.Sub(amount)
		return ""
	})
}

// DeallocateFromBroker lowers a broker ceiling. Only headroom not assigned to
// customers can be returned.
func (t *Tracker) DeallocateFromBroker(ctx context.Context, exchangeID, asset, brokerID string, amount decimal.Decimal) bool {
	if !validRequest(exchangeID, asset, brokerID, "-", amount) {
		t.reject("deallocate_broker", exchangeID, asset, brokerID, "", amount, resultInvalidInput)
		return false
	}
	return t.mutate(ctx, "deallocate_broker", exchangeID, asset, brokerID, "", amount, func(a *PlatformAllocation) string {
		if amount.GreaterThan(a.BrokerHeadroom(brokerID)) {
			return resultExceedsHeadroom
		}
		a.addBroker(brokerID, amount.Neg())
		a.AvailableForAllocation = a.AvailableForAllocation.Add(amount)
		return ""
	})
}

// GetAvailableBalance returns the customer's allocated amount, zero when the pair or
// customer is unknown.
func (t *Tracker) GetAvailableBalance(ctx context.Context, exchangeID, asset, brokerID, customerID string) (decimal.Decimal, error) {
	a, err := t.GetPlatformAllocation(ctx, exchangeID, asset)
	if err != nil || a == nil {
		return decimal.Zero, err
	}
	return a.CustomerAllocation(brokerID, customerID), nil
}

// GetPlatformAllocation returns a copy of the record, or nil when the pair is unknown.
func (t *Tracker) GetPlatformAllocation(ctx context.Context, exchangeID, asset string) (*PlatformAllocation, error) {
	a, err := t.repo.GetAllocation(ctx, exchangeID, asset)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Internal(err, "failed to load allocation %s", Key(exchangeID, asset))
	}
	return a, nil
}

// RequirePlatformAllocation is GetPlatformAllocation with FUND_NOT_FOUND for unknown pairs.
func (t *Tracker) RequirePlatformAllocation(ctx context.Context, exchangeID, asset string) (*PlatformAllocation, error) {
	a, err := t.GetPlatformAllocation(ctx, exchangeID, asset)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errs.E(errs.KindFundNotFound, "no platform allocation for %s", Key(exchangeID, asset))
	}
	return a, nil
}

// GetPlatformAllocations returns every record ordered by exchange and asset.
func (t *Tracker) GetPlatformAllocations(ctx context.Context) ([]*PlatformAllocation, error) {
	all, err := t.repo.ListAllocations(ctx)
	if err != nil {
		return nil, errs.Internal(err, "failed to list allocations")
	}
	return all, nil
}

// mutate applies change to a fresh copy of the record under the pair lock and saves
// it with an optimistic version check, retrying when another writer got there first.
// change returns a non-empty result label to refuse the operation.
func (t *Tracker) mutate(ctx context.Context, op, exchangeID, asset, brokerID, customerID string, amount decimal.Decimal, change func(*PlatformAllocation) string) bool {
	unlock := t.locker.Lock(Key(exchangeID, asset))
	defer unlock()

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		current, err := t.repo.GetAllocation(ctx, exchangeID, asset)
		if errors.Is(err, errs.ErrNotFound) {
			t.reject(op, exchangeID, asset, brokerID, customerID, amount, resultNotFound)
			return false
		}
		if err != nil {
			t.storageFailure(op, exchangeID, asset, err)
			return false
		}

		next := current.Clone()
		if reason := change(next); reason != "" {
			t.reject(op, exchangeID, asset, brokerID, customerID, amount, reason)
			return false
		}
		next.Version = current.Version + 1
		next.LastUpdated = t.now()

		if err := CheckInvariants(next); err != nil {
			t.metrics.RecordAllocation(op, resultInvariantViolation)
			t.logger.Error("allocation change would break invariants", zap.String("operation", op), zap.Error(err))
			return false
		}

		err = t.repo.SaveAllocation(ctx, next, current.Version)
		if errors.Is(err, errs.ErrConflict) {
			t.logger.Debug("allocation version conflict, retrying", zap.String("key", next.Key()), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			t.storageFailure(op, exchangeID, asset, err)
			return false
		}

		t.metrics.RecordAllocation(op, resultOK)
		t.logger.Info("allocation changed",
			zap.String("operation", op),
			zap.String("exchange_id", exchangeID),
			zap.String("asset", asset),
			zap.String("broker_id", brokerID),
			zap.String("customer_id", customerID),
			zap.String("amount", amount.String()),
			zap.String("available", next.AvailableForAllocation.String()),
		)
		t.emit(ctx, op, next)
		return true
	}

	t.reject(op, exchangeID, asset, brokerID, customerID, amount, resultConflict)
	return false
}

func (t *Tracker) reject(op, exchangeID, asset, brokerID, customerID string, amount decimal.Decimal, reason string) {
	t.metrics.RecordAllocation(op, reason)
	t.logger.Info("allocation refused",
		zap.String("operation", op),
		zap.String("reason", reason),
		zap.String("exchange_id", exchangeID),
		zap.String("asset", asset),
		zap.String("broker_id", brokerID),
		zap.String("customer_id", customerID),
		zap.String("amount", amount.String()),
	)
}

func (t *Tracker) storageFailure(op, exchangeID, asset string, err error) {
	t.metrics.RecordAllocation(op, resultStorageError)
	t.logger.Error("allocation storage failure",
		zap.String("operation", op),
		zap.String("key", Key(exchangeID, asset)),
		zap.Error(err),
	)
}

func (t *Tracker) emit(ctx context.Context, op string, a *PlatformAllocation) {
	payload := map[string]interface{}{
		"operation":  op,
		"allocation": a,
	}
	if err := t.publisher.Publish(ctx, events.New(events.AllocationChanged, a.Key(), payload)); err != nil {
		t.logger.Warn("failed to publish allocation event", zap.String("key", a.Key()), zap.Error(err))
	}
}

func validRequest(exchangeID, asset, brokerID, customerID string, amount decimal.Decimal) bool {
	for _, s := range []string{exchangeID, asset, brokerID, customerID} {
		if strings.TrimSpace(s) == "" {
			return false
		}
	}
	return amount.IsPositive()
}
