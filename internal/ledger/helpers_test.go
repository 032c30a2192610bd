package ledger_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/example/tiered-ledger/internal/events"
	"github.com/example/tiered-ledger/internal/ledger"
	"github.com/example/tiered-ledger/internal/store/memory"
)

const tenant = "tenant-a"

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	ctx       context.Context
	store     *memory.LedgerStore
	ledger    *ledger.Ledger
	publisher *events.MemoryPublisher

	platform *ledger.Account
	broker   *ledger.Account
	user     *ledger.Account
}

// newFixture builds Platform A → Broker X → User 1 in USD.
func newFixture(t *testing.T, opts ledger.Options, storeOpts ...memory.Option) *fixture {
	t.Helper()

	f := &fixture{
		ctx:       context.Background(),
		store:     memory.NewLedgerStore(storeOpts...),
		publisher: &events.MemoryPublisher{},
	}
	opts.Publisher = f.publisher
	f.ledger = ledger.New(f.store, opts)

	var err error
	f.platform, err = f.ledger.Registry.CreatePlatformMasterAccount(f.ctx, ledger.CreateAccountRequest{
		TenantID: tenant,
		Name:     "Platform A",
		Currency: "USD",
	})
	require.NoError(t, err)

	f.broker, err = f.ledger.Registry.CreateBrokerMasterAccount(f.ctx, ledger.CreateAccountRequest{
		TenantID:        tenant,
		OwnerID:         "broker-x",
		Name:            "Broker X",
		Currency:        "USD",
		ParentAccountID: f.platform.ID,
	})
	require.NoError(t, err)

	f.user, err = f.ledger.Registry.CreateEndUserAccount(f.ctx, ledger.CreateAccountRequest{
		TenantID:        tenant,
		OwnerID:         "user-1",
		Name:            "User 1",
		Currency:        "USD",
		ParentAccountID: f.broker.ID,
	})
	require.NoError(t, err)

	return f
}

func (f *fixture) deposit(t *testing.T, amount string) {
	t.Helper()
	_, err := f.ledger.Transfers.Deposit(f.ctx, ledger.ExternalTransferRequest{
		AccountID: f.platform.ID,
		Amount:    dec(amount),
		Currency:  "USD",
	})
	require.NoError(t, err)
}

func (f *fixture) transfer(t *testing.T, from, to *ledger.Account, amount string) *ledger.Transaction {
	t.Helper()
	tx, err := f.ledger.Transfers.TransferFunds(f.ctx, ledger.TransferRequest{
		FromAccountID: from.ID,
		ToAccountID:   to.ID,
		Amount:        dec(amount),
		Currency:      "USD",
		Description:   "test transfer",
	})
	require.NoError(t, err)
	return tx
}

// fundBroker moves amount from the outside world down to the broker.
func (f *fixture) fundBroker(t *testing.T, amount string) {
	t.Helper()
	f.deposit(t, amount)
	f.transfer(t, f.platform, f.broker, amount)
}

func (f *fixture) balance(t *testing.T, a *ledger.Account) decimal.Decimal {
	t.Helper()
	acc, err := f.ledger.Registry.GetAccount(f.ctx, a.ID)
	require.NoError(t, err)
	return acc.Balance
}
