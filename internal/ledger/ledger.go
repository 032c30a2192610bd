// Package ledger implements the tiered account registry, the transfer engine and
// the fund segregation ledger on top of a Store.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/tiered-ledger/internal/events"
	"github.com/example/tiered-ledger/internal/keylock"
	"github.com/example/tiered-ledger/internal/metrics"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Options carries the collaborators shared by the ledger components. Zero values
// are replaced with no-op implementations.
type Options struct {
	Logger    *zap.Logger
	Locker    *keylock.Locker
	Publisher events.Publisher
	Metrics   *metrics.Collector
	Now       func() time.Time

	// ApprovalThreshold, when positive, parks transfers above it in REQUIRES_APPROVAL.
	ApprovalThreshold decimal.Decimal
	// MaxPageSize caps GetAccountTransfers limits.
	MaxPageSize int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Locker == nil {
		o.Locker = keylock.New()
	}
	if o.Publisher == nil {
		o.Publisher = events.NopPublisher{}
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = MaxPageSize
	}
	return o
}

// Ledger wires the three ledger components over one store and one lock table, so
// transfers and segregations on the same account serialize against each other.
type Ledger struct {
	Registry     *Registry
	Transfers    *TransferEngine
	Segregations *SegregationLedger
	Validator    *Validator
}

// New builds every ledger component over store.
func New(store Store, opts Options) *Ledger {
	opts = opts.withDefaults()
	segs := NewSegregationLedger(store, opts)
	return &Ledger{
		Registry:     NewRegistry(store, opts),
		Transfers:    NewTransferEngine(store, segs, opts),
		Segregations: segs,
		Validator:    NewValidator(store),
	}
}

// publish sends an event and only logs failures; the state change already committed.
func publish(ctx context.Context, p events.Publisher, logger *zap.Logger, e events.Event) {
	if err := p.Publish(ctx, e); err != nil {
		logger.Warn("failed to publish event",
			zap.String("type", string(e.Type)),
			zap.String("key", e.Key),
			zap.Error(err),
		)
	}
}
