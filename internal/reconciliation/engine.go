package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/tiered-ledger/internal/allocation"
	"github.com/example/tiered-ledger/internal/errs"
	"github.com/example/tiered-ledger/internal/events"
	"github.com/example/tiered-ledger/internal/metrics"
	"github.com/example/tiered-ledger/pkg/audit"
)

const (
	DefaultFetchTimeout     = 5 * time.Second
	DefaultWindow           = time.Hour
	DefaultFetchConcurrency = 8
)

// AllocationSource reads the tracked platform allocations. *allocation.Tracker
// satisfies it; GetPlatformAllocation returns nil for an unknown pair.
type AllocationSource interface {
	GetPlatformAllocations(ctx context.Context) ([]*allocation.PlatformAllocation, error)
	GetPlatformAllocation(ctx context.Context, exchangeID, asset string) (*allocation.PlatformAllocation, error)
}

type Options struct {
	Logger    *zap.Logger
	Metrics   *metrics.Collector
	Publisher events.Publisher
	Now       func() time.Time
	// FetchTimeout bounds every single exchange balance call.
	FetchTimeout     time.Duration
	FetchConcurrency int
	// Window is the proof-of-reserves bucket; Sequence counts snapshots per pair inside it.
	Window       time.Duration
	SigningKey   []byte
	SigningKeyID string
	// Epsilons overrides DefaultEpsilon per asset symbol.
	Epsilons map[string]decimal.Decimal
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Publisher == nil {
		o.Publisher = events.NopPublisher{}
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.FetchConcurrency <= 0 {
		o.FetchConcurrency = DefaultFetchConcurrency
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	return o
}

// Engine detects drift between allocation bookkeeping and exchange custody.
type Engine struct {
	allocations AllocationSource
	provider    ExchangeBalanceProvider
	snapshots   SnapshotRepository
	opts        Options
	logger      *zap.Logger

	// chainMu serializes appends so every snapshot links to the current head.
	chainMu sync.Mutex
}

// NewEngine creates a reconciliation engine.
func NewEngine(allocations AllocationSource, provider ExchangeBalanceProvider, snapshots SnapshotRepository, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		allocations: allocations,
		provider:    provider,
		snapshots:   snapshots,
		opts:        opts,
		logger:      opts.Logger.Named("reconciliation"),
	}
}

// Epsilon returns the tolerance used for asset.
func (e *Engine) Epsilon(asset string) decimal.Decimal {
	if eps, ok := e.opts.Epsilons[strings.ToUpper(asset)]; ok {
		return eps
	}
	return DefaultEpsilon(asset)
}

// GetPlatformAssetReconciliation fetches every tracked pair's exchange balance in
// parallel and classifies it against the sum of broker allocations. Pairs whose fetch
// failed are reported as unavailable and left unclassified.
func (e *Engine) GetPlatformAssetReconciliation(ctx context.Context) (*Report, error) {
	all, err := e.allocations.GetPlatformAllocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list platform allocations: %w", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Key() < all[j].Key() })

	entries := make([]Entry, len(all))
	g := new(errgroup.Group)
	g.SetLimit(e.opts.FetchConcurrency)
	for i, a := range all {
		i, a := i, a
		g.Go(func() error {
			entries[i], _ = e.compare(ctx, a)
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{
		PlatformTotals:      make(map[string]decimal.Decimal, len(all)),
		ExchangeBalances:    make(map[string]decimal.Decimal, len(all)),
		InternalAllocations: make(map[string]decimal.Decimal, len(all)),
		Reconciliation:      entries,
		LastUpdated:         e.opts.Now(),
	}
	for _, entry := range entries {
		key := allocation.Key(entry.ExchangeID, entry.Asset)
		report.PlatformTotals[key] = entry.PlatformTotal
		report.InternalAllocations[key] = entry.InternalTotal
		if entry.Status != StatusUnavailable {
			report.ExchangeBalances[key] = entry.ExchangeBalance
		}
	}
	return report, nil
}

// ReconcilePair classifies a single pair against a fresh exchange balance. Unlike
// the platform-wide report, a failed fetch is returned as EXCHANGE_UNAVAILABLE
// instead of an unavailable entry.
func (e *Engine) ReconcilePair(ctx context.Context, exchangeID, asset string) (*Entry, error) {
	if exchangeID == "" || asset == "" {
		return nil, errs.E(errs.KindValidation, "exchange id and asset are required")
	}
	a, err := e.allocations.GetPlatformAllocation(ctx, exchangeID, asset)
	if err != nil {
		return nil, fmt.Errorf("failed to load platform allocation: %w", err)
	}
	if a == nil {
		return nil, errs.E(errs.KindFundNotFound, "no platform allocation for %s", allocation.Key(exchangeID, asset))
	}

	if inv, ok := e.provider.(CacheInvalidator); ok {
		if err := inv.Invalidate(ctx, exchangeID, asset); err != nil {
			e.logger.Warn("failed to drop cached exchange balance",
				zap.String("exchange_id", exchangeID),
				zap.String("asset", asset),
				zap.Error(err),
			)
		}
	}

	entry, err := e.compare(ctx, a)
	if err != nil {
		return nil, &errs.Error{
			Kind:    errs.KindExchangeUnavailable,
			Message: fmt.Sprintf("exchange balance for %s could not be fetched", a.Key()),
			Err:     err,
		}
	}
	return &entry, nil
}

// compare returns the fetch error alongside an unavailable entry.
func (e *Engine) compare(ctx context.Context, a *allocation.PlatformAllocation) (Entry, error) {
	entry := Entry{
		ExchangeID:    a.ExchangeID,
		Asset:         a.Asset,
		PlatformTotal: a.TotalPlatformBalance,
		InternalTotal: a.BrokerTotal(),
	}

	balance, err := e.fetch(ctx, a.ExchangeID, a.Asset)
	if err != nil {
		entry.Status = StatusUnavailable
		entry.Error = err.Error()
		return entry, err
	}
	entry.ExchangeBalance = balance
	entry.Status, entry.Difference = Classify(balance, entry.InternalTotal, e.Epsilon(a.Asset))
	return entry, nil
}

func (e *Engine) fetch(ctx context.Context, exchangeID, asset string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	defer cancel()

	start := time.Now()
	balance, err := e.provider.GetBalance(ctx, exchangeID, asset)
	e.opts.Metrics.RecordExchangeFetch(exchangeID, err == nil, time.Since(start))
	if err != nil {
		e.logger.Warn("exchange balance unavailable",
			zap.String("exchange_id", exchangeID),
			zap.String("asset", asset),
			zap.Error(err),
		)
		if !errors.Is(err, ErrExchangeUnavailable) {
			err = fmt.Errorf("%w: %v", ErrExchangeUnavailable, err)
		}
		return decimal.Zero, err
	}
	if balance.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: negative balance %s reported", ErrExchangeUnavailable, balance)
	}
	return balance, nil
}

// GenerateProofOfReserves classifies the given totals and appends a signed snapshot
// to the chain. Calling it again for the same pair and window appends a new snapshot
// with the next sequence number; history is never rewritten.
func (e *Engine) GenerateProofOfReserves(ctx context.Context, exchangeID, asset string, exchangeBalance, internalTotal decimal.Decimal) (*Snapshot, error) {
	if exchangeID == "" || asset == "" {
		return nil, errs.E(errs.KindValidation, "exchange id and asset are required")
	}
	if exchangeBalance.IsNegative() || internalTotal.IsNegative() {
		return nil, errs.E(errs.KindValidation, "balances must not be negative")
	}

	status, diff := Classify(exchangeBalance, internalTotal, e.Epsilon(asset))

	e.chainMu.Lock()
	defer e.chainMu.Unlock()

	chain := audit.NewChainLogger(e.opts.SigningKey)
	var index int64
	head, err := e.snapshots.LatestSnapshot(ctx)
	switch {
	case errors.Is(err, errs.ErrNotFound):
	case err != nil:
		return nil, errs.Internal(err, "failed to load snapshot chain head")
	default:
		chain.Resume(head.Hash)
		index = head.ChainIndex + 1
	}

	now := e.opts.Now()
	window := now.Truncate(e.opts.Window)
	seq, err := e.snapshots.CountInWindow(ctx, exchangeID, asset, window)
	if err != nil {
		return nil, errs.Internal(err, "failed to count snapshots for %s", allocation.Key(exchangeID, asset))
	}

	s := &Snapshot{
		ID:              uuid.NewString(),
		ExchangeID:      exchangeID,
		Asset:           asset,
		ExchangeBalance: exchangeBalance,
		InternalTotal:   internalTotal,
		Difference:      diff,
		Status:          status,
		SnapshotAt:      now,
		WindowStart:     window,
		Sequence:        seq + 1,
		ChainIndex:      index,
		KeyID:           e.opts.SigningKeyID,
	}
	entry := chain.AppendAt(canonicalPayload(s), now)
	s.PreviousHash = entry.PreviousHash
	s.Hash = entry.Hash
	s.Signature = entry.Signature

	if err := e.snapshots.AppendSnapshot(ctx, s); err != nil {
		return nil, errs.Internal(err, "failed to persist proof of reserves for %s", allocation.Key(exchangeID, asset))
	}

	e.logger.Info("proof of reserves recorded",
		zap.String("snapshot_id", s.ID),
		zap.String("exchange_id", exchangeID),
		zap.String("asset", asset),
		zap.String("status", string(status)),
		zap.String("difference", diff.String()),
		zap.Int("sequence", s.Sequence),
	)
	return s, nil
}

// Run is the outcome of one Reconcile pass.
type Run struct {
	Report    *Report     `json:"report"`
	Snapshots []*Snapshot `json:"snapshots"`
}

// Reconcile compares every pair and writes a proof for each classified entry.
// Over-allocation is alerted through an Error log, a metric and an event.
func (e *Engine) Reconcile(ctx context.Context) (*Run, error) {
	report, err := e.GetPlatformAssetReconciliation(ctx)
	if err != nil {
		return nil, err
	}

	run := &Run{Report: report}
	for _, entry := range report.Reconciliation {
		key := allocation.Key(entry.ExchangeID, entry.Asset)
		diff, _ := entry.Difference.Float64()
		e.opts.Metrics.RecordReconciliation(entry.ExchangeID, entry.Asset, string(entry.Status), diff)

		if entry.Status == StatusUnavailable {
			e.publish(ctx, events.New(events.ExchangeUnavailable, key, entry))
			continue
		}

		s, err := e.GenerateProofOfReserves(ctx, entry.ExchangeID, entry.Asset, entry.ExchangeBalance, entry.InternalTotal)
		if err != nil {
			return run, err
		}
		run.Snapshots = append(run.Snapshots, s)

		if entry.Status == StatusOverAllocated {
			e.logger.Error("platform allocation exceeds exchange custody",
				zap.String("exchange_id", entry.ExchangeID),
				zap.String("asset", entry.Asset),
				zap.String("exchange_balance", entry.ExchangeBalance.String()),
				zap.String("internal_total", entry.InternalTotal.String()),
				zap.String("difference", entry.Difference.String()),
			)
			e.publish(ctx, events.New(events.ReconciliationOverAllocated, key, s))
		}
	}

	e.opts.Metrics.MarkReconciliationRun(report.LastUpdated)
	e.logger.Info("reconciliation finished",
		zap.Int("pairs", len(report.Reconciliation)),
		zap.Int("snapshots", len(run.Snapshots)),
	)
	return run, nil
}

// ListSnapshots returns stored proofs in chain order.
func (e *Engine) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*Snapshot, error) {
	if filter.Limit < 0 {
		return nil, errs.E(errs.KindValidation, "limit must not be negative")
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, errs.E(errs.KindValidation, "from must not be after to")
	}
	out, err := e.snapshots.ListSnapshots(ctx, filter)
	if err != nil {
		return nil, errs.Internal(err, "failed to list snapshots")
	}
	return out, nil
}

// Verification is the result of VerifySnapshots.
type Verification struct {
	Valid   bool   `json:"valid"`
	Checked int    `json:"checked"`
	Reason  string `json:"reason,omitempty"`
}

// VerifySnapshots walks the whole chain from genesis, checking links, hashes and
// signatures.
func (e *Engine) VerifySnapshots(ctx context.Context) (*Verification, error) {
	all, err := e.snapshots.ListSnapshots(ctx, SnapshotFilter{})
	if err != nil {
		return nil, errs.Internal(err, "failed to list snapshots")
	}

	result := &Verification{Valid: true, Checked: len(all)}
	if len(all) == 0 {
		return result, nil
	}
	if all[0].PreviousHash != audit.GenesisHash() {
		result.Valid = false
		result.Reason = "first snapshot does not start at genesis"
		return result, nil
	}

	entries := make([]*audit.LogEntry, len(all))
	for i, s := range all {
		entries[i] = &audit.LogEntry{
			Timestamp:    s.SnapshotAt.UTC().Format(time.RFC3339Nano),
			PreviousHash: s.PreviousHash,
			Payload:      canonicalPayload(s),
			Hash:         s.Hash,
			Signature:    s.Signature,
		}
	}
	if err := audit.VerifyChain(entries, e.opts.SigningKey); err != nil {
		result.Valid = false
		result.Reason = err.Error()
		e.logger.Error("snapshot chain verification failed", zap.Error(err))
	}
	return result, nil
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.opts.Publisher.Publish(ctx, ev); err != nil {
		e.logger.Warn("failed to publish reconciliation event",
			zap.String("event_type", string(ev.Type)),
			zap.String("key", ev.Key),
			zap.Error(err),
		)
	}
}

func canonicalPayload(s *Snapshot) string {
	return strings.Join([]string{
		s.ID,
		s.ExchangeID,
		s.Asset,
		s.ExchangeBalance.String(),
		s.InternalTotal.String(),
		s.Difference.String(),
		string(s.Status),
		s.WindowStart.UTC().Format(time.RFC3339Nano),
		fmt.Sprintf("%d", s.Sequence),
		fmt.Sprintf("%d", s.ChainIndex),
		s.KeyID,
	}, "|")
}
