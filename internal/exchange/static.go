package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/example/tiered-ledger/internal/allocation"
	"github.com/example/tiered-ledger/internal/errs"
)

// StaticProvider serves balances set in process. Unknown pairs return errs.ErrNotFound.
type StaticProvider struct {
	mu       sync.RWMutex
	balances map[string]decimal.Decimal
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{balances: make(map[string]decimal.Decimal)}
}

func (p *StaticProvider) Set(exchangeID, asset string, balance decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[allocation.Key(exchangeID, asset)] = balance
}

func (p *StaticProvider) GetBalance(ctx context.Context, exchangeID, asset string) (decimal.Decimal, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.balances[allocation.Key(exchangeID, asset)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no balance for %s", errs.ErrNotFound, allocation.Key(exchangeID, asset))
	}
	return b, nil
}
