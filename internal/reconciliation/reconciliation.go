// Package reconciliation compares the platform allocation bookkeeping with the
// balances the exchanges actually hold, and keeps a signed, hash-chained trail of
// proof-of-reserves snapshots.
package reconciliation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrExchangeUnavailable is wrapped by providers when a balance could not be obtained.
// It is never equivalent to a zero balance.
var ErrExchangeUnavailable = errors.New("exchange balance unavailable")

// ExchangeBalanceProvider returns the balance an exchange holds for the platform.
type ExchangeBalanceProvider interface {
	GetBalance(ctx context.Context, exchangeID, asset string) (decimal.Decimal, error)
}

// CacheInvalidator is implemented by providers that cache balances. ReconcilePair
// drops the cached value first so an on-demand check always reaches the exchange.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, exchangeID, asset string) error
}

// ProviderFunc adapts a function to ExchangeBalanceProvider.
type ProviderFunc func(ctx context.Context, exchangeID, asset string) (decimal.Decimal, error)

func (f ProviderFunc) GetBalance(ctx context.Context, exchangeID, asset string) (decimal.Decimal, error) {
	return f(ctx, exchangeID, asset)
}

type Status string

const (
	StatusBalanced       Status = "balanced"
	StatusOverAllocated  Status = "over_allocated"
	StatusUnderAllocated Status = "under_allocated"
	// StatusUnavailable marks an entry whose exchange balance could not be fetched.
	StatusUnavailable Status = "unavailable"
)

// Entry is the comparison for one (exchange, asset) pair. Difference is
// ExchangeBalance - InternalTotal, so over-allocation is negative.
type Entry struct {
	ExchangeID      string          `json:"exchange_id"`
	Asset           string          `json:"asset"`
	PlatformTotal   decimal.Decimal `json:"platform_total"`
	ExchangeBalance decimal.Decimal `json:"exchange_balance"`
	InternalTotal   decimal.Decimal `json:"internal_total"`
	Difference      decimal.Decimal `json:"difference"`
	Status          Status          `json:"status"`
	Error           string          `json:"error,omitempty"`
}

// Report is the result of a platform-wide comparison. Maps are keyed by
// "exchange/asset"; ExchangeBalances only holds pairs whose fetch succeeded.
type Report struct {
	PlatformTotals      map[string]decimal.Decimal `json:"platform_totals"`
	ExchangeBalances    map[string]decimal.Decimal `json:"exchange_balances"`
	InternalAllocations map[string]decimal.Decimal `json:"internal_allocations"`
	Reconciliation      []Entry                    `json:"reconciliation"`
	LastUpdated         time.Time                  `json:"last_updated"`
}

// Snapshot is one persisted proof of reserves. Snapshots form a single chain ordered
// by ChainIndex; Hash covers the canonical payload and PreviousHash.
type Snapshot struct {
	ID              string          `json:"id"`
	ExchangeID      string          `json:"exchange_id"`
	Asset           string          `json:"asset"`
	ExchangeBalance decimal.Decimal `json:"exchange_balance"`
	InternalTotal   decimal.Decimal `json:"internal_total"`
	Difference      decimal.Decimal `json:"difference"`
	Status          Status          `json:"status"`
	SnapshotAt      time.Time       `json:"snapshot_at"`
	WindowStart     time.Time       `json:"window_start"`
	Sequence        int             `json:"sequence"`
	ChainIndex      int64           `json:"chain_index"`
	PreviousHash    string          `json:"previous_hash"`
	Hash            string          `json:"hash"`
	Signature       string          `json:"signature"`
	KeyID           string          `json:"key_id,omitempty"`
}

// SnapshotFilter narrows ListSnapshots. Zero values match everything. Limit keeps
// the newest matches counted back from the chain head; 0 means no limit. Results
// stay in chain order either way.
type SnapshotFilter struct {
	ExchangeID string
	Asset      string
	Status     Status
	From       *time.Time
	To         *time.Time
	Limit      int
}

func (f SnapshotFilter) Match(s *Snapshot) bool {
	if f.ExchangeID != "" && s.ExchangeID != f.ExchangeID {
		return false
	}
	if f.Asset != "" && s.Asset != f.Asset {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.From != nil && s.SnapshotAt.Before(*f.From) {
		return false
	}
	if f.To != nil && s.SnapshotAt.After(*f.To) {
		return false
	}
	return true
}

// Newest trims matches, given in chain order, to the last Limit of them.
func (f SnapshotFilter) Newest(matches []*Snapshot) []*Snapshot {
	if f.Limit <= 0 || len(matches) <= f.Limit {
		return matches
	}
	return matches[len(matches)-f.Limit:]
}

// SnapshotRepository is an append-only store of snapshots.
type SnapshotRepository interface {
	AppendSnapshot(ctx context.Context, s *Snapshot) error
	// LatestSnapshot returns the chain head, or errs.ErrNotFound (wrapped) when empty.
	LatestSnapshot(ctx context.Context) (*Snapshot, error)
	// ListSnapshots returns matching snapshots in chain order, trimmed with
	// SnapshotFilter.Newest.
	ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*Snapshot, error)
	CountInWindow(ctx context.Context, exchangeID, asset string, windowStart time.Time) (int, error)
}

var fiatAssets = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "CHF": true, "CAD": true, "AUD": true,
	"SGD": true, "HKD": true, "AED": true, "NGN": true, "ZAR": true, "KES": true,
}

var (
	fiatEpsilon   = decimal.New(1, -2)
	cryptoEpsilon = decimal.New(1, -8)
)

// DefaultEpsilon is the smallest unit of asset: 0.01 for fiat, 1e-8 otherwise.
func DefaultEpsilon(asset string) decimal.Decimal {
	if fiatAssets[strings.ToUpper(asset)] {
		return fiatEpsilon
	}
	return cryptoEpsilon
}

// Classify compares the two totals with tolerance epsilon and returns the status and
// the signed difference exchangeBalance - internalTotal.
func Classify(exchangeBalance, internalTotal, epsilon decimal.Decimal) (Status, decimal.Decimal) {
	diff := exchangeBalance.Sub(internalTotal)
	switch {
	case diff.Abs().LessThanOrEqual(epsilon):
		return StatusBalanced, diff
	case diff.IsNegative():
		return StatusOverAllocated, diff
	default:
		return StatusUnderAllocated, diff
	}
}
