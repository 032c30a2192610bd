package ledger_test

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/tiered-ledger/internal/errs"
	"github.com/example/tiered-ledger/internal/events"
	"github.com/example/tiered-ledger/internal/ledger"
	"github.com/example/tiered-ledger/internal/store/memory"
)

func TestTransferDownTheHierarchy(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	f.deposit(t, "1000")

	first := f.transfer(t, f.platform, f.broker, "1000")
	second := f.transfer(t, f.broker, f.user, "200")

	assert.Equal(t, ledger.TransactionStatusCompleted, first.Status)
	assert.Equal(t, ledger.TransactionTypeBrokerFunding, first.TransactionType)
	assert.Equal(t, ledger.TransactionStatusCompleted, second.Status)
	assert.Equal(t, ledger.TransactionTypeUserFunding, second.TransactionType)
	assert.Greater(t, second.Sequence, first.Sequence)

	assert.True(t, dec("800").Equal(f.balance(t, f.broker)))
	assert.True(t, dec("200").Equal(f.balance(t, f.user)))
	assert.True(t, f.balance(t, f.platform).IsZero())

	page, err := f.ledger.Transfers.GetAccountTransfers(f.ctx, f.broker.ID, ledger.TransferFilter{Status: ledger.TransactionStatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, second.ID, page.Transactions[0].ID, "newest first")
	assert.Equal(t, first.ID, page.Transactions[1].ID)

	assert.Len(t, f.publisher.OfType(events.TransferCompleted), 3)
}

func TestTransferInputValidation(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	f.fundBroker(t, "100")

	tests := []struct {
		name string
		req  ledger.TransferRequest
		kind errs.Kind
	}{
		{"zero amount", ledger.TransferRequest{FromAccountID: f.broker.ID, ToAccountID: f.user.ID, Amount: decimal.Zero, Currency: "USD"}, errs.KindValidation},
		{"negative amount", ledger.TransferRequest{FromAccountID: f.broker.ID, ToAccountID: f.user.ID, Amount: dec("-1"), Currency: "USD"}, errs.KindValidation},
		{"self transfer", ledger.TransferRequest{FromAccountID: f.broker.ID, ToAccountID: f.broker.ID, Amount: dec("1"), Currency: "USD"}, errs.KindSelfTransfer},
		{"currency mismatch", ledger.TransferRequest{FromAccountID: f.broker.ID, ToAccountID: f.user.ID, Amount: dec("1"), Currency: "EUR"}, errs.KindValidation},
		{"unknown source", ledger.TransferRequest{FromAccountID: "missing", ToAccountID: f.user.ID, Amount: dec("1"), Currency: "USD"}, errs.KindAccountNotFound},
		{"unknown destination", ledger.TransferRequest{FromAccountID: f.broker.ID, ToAccountID: "missing", Amount: dec("1"), Currency: "USD"}, errs.KindAccountNotFound},
		{"external type", ledger.TransferRequest{FromAccountID: f.broker.ID, ToAccountID: f.user.ID, Amount: dec("1"), Currency: "USD", TransactionType: ledger.TransactionTypeExternalDeposit}, errs.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := f.ledger.Transfers.TransferFunds(f.ctx, tt.req)
			require.Error(t, err)
			assert.Nil(t, tx)
			assert.Equal(t, tt.kind, errs.KindOf(err))
		})
	}

	assert.True(t, dec("100").Equal(f.balance(t, f.broker)))
	page, err := f.ledger.Transfers.GetAccountTransfers(f.ctx, f.broker.ID, ledger.TransferFilter{Status: ledger.TransactionStatusFailed})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total, "input errors write no records")
}

func TestTransferCrossTenantRejected(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	f.fundBroker(t, "100")

	other, err := f.ledger.Registry.CreatePlatformMasterAccount(f.ctx, ledger.CreateAccountRequest{
		TenantID: "tenant-b", Name: "Platform B", Currency: "USD",
	})
	require.NoError(t, err)

	_, err = f.ledger.Transfers.TransferFunds(f.ctx, ledger.TransferRequest{
		FromAccountID: f.broker.ID, ToAccountID: other.ID, Amount: dec("10"), Currency: "USD",
	})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.True(t, dec("100").Equal(f.balance(t, f.broker)))
}

func TestTransferInsufficientFundsRecordsFailure(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	f.fundBroker(t, "50")

	tx, err := f.ledger.Transfers.TransferFunds(f.ctx, ledger.TransferRequest{
		FromAccountID: f.broker.ID, ToAccountID: f.user.ID, Amount: dec("100"), Currency: "USD",
	})
	require.Error(t, err)
	assert.Nil(t, tx)
	assert.ErrorIs(t, err, errs.ErrInsufficientFunds)

	var lerr *errs.Error
	require.True(t, errors.As(err, &lerr))
	require.NotEmpty(t, lerr.TransactionID)

	assert.True(t, dec("50").Equal(f.balance(t, f.broker)))
	assert.True(t, f.balance(t, f.user).IsZero())

	failed, err := f.ledger.Transfers.GetTransfer(f.ctx, lerr.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionStatusFailed, failed.Status)
	assert.NotEmpty(t, failed.FailureReason)
	assert.Len(t, f.publisher.OfType(events.TransferFailed), 1)
}

func TestTransferRespectsActiveSegregations(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	f.fundBroker(t, "100")

	_, err := f.ledger.Segregations.CreateSegregation(f.ctx, ledger.CreateSegregationRequest{
		TenantID: tenant, AccountID: f.broker.ID, SegregationType: ledger.SegregationTypeClientFunds,
		Amount: dec("80"), Currency: "USD",
	})
	require.NoError(t, err)

	_, err = f.ledger.Transfers.TransferFunds(f.ctx, ledger.TransferRequest{
		FromAccountID: f.broker.ID, ToAccountID: f.user.ID, Amount: dec("30"), Currency: "USD",
	})
	assert.Equal(t, errs.KindInsufficientFunds, errs.KindOf(err))

	f.transfer(t, f.broker, f.user, "20")
	assert.True(t, dec("80").Equal(f.balance(t, f.broker)))
}

func TestTransferIdempotentReference(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	f.fundBroker(t, "100")

	req := ledger.TransferRequest{
		FromAccountID: f.broker.ID, ToAccountID: f.user.ID, Amount: dec("25"), Currency: "USD", Reference: "payout-1",
	}
	first, err := f.ledger.Transfers.TransferFunds(f.ctx, req)
	require.NoError(t, err)
	again, err := f.ledger.Transfers.TransferFunds(f.ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.True(t, dec("75").Equal(f.balance(t, f.broker)))

	req.Amount = dec("30")
	_, err = f.ledger.Transfers.TransferFunds(f.ctx, req)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err), "reference reused for another transfer")
}

func TestTransferFailedReferenceCanBeRetried(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	f.fundBroker(t, "10")

	req := ledger.TransferRequest{
		FromAccountID: f.broker.ID, ToAccountID: f.user.ID, Amount: dec("20"), Currency: "USD", Reference: "retry-me",
	}
	_, err := f.ledger.Transfers.TransferFunds(f.ctx, req)
	require.Equal(t, errs.KindInsufficientFunds, errs.KindOf(err))

	f.fundBroker(t, "10")
	tx, err := f.ledger.Transfers.TransferFunds(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionStatusCompleted, tx.Status)
}

func TestTransferApprovalFlow(t *testing.T) {
	f := newFixture(t, ledger.Options{ApprovalThreshold: dec("500")})
	f.fundBroker(t, "500") // exactly at the threshold is not parked
	f.deposit(t, "1000")

	parked, err := f.ledger.Transfers.TransferFunds(f.ctx, ledger.TransferRequest{
		FromAccountID: f.platform.ID, ToAccountID: f.broker.ID, Amount: dec("600"), Currency: "USD",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionStatusRequiresApproval, parked.Status)
	assert.True(t, dec("500").Equal(f.balance(t, f.broker)), "parked transfer moves nothing")
	assert.Len(t, f.publisher.OfType(events.TransferApprovalRequired), 1)

	approved, err := f.ledger.Transfers.ApproveTransfer(f.ctx, parked.ID, "ops-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionStatusCompleted, approved.Status)
	assert.Equal(t, "ops-1", approved.Metadata["approved_by"])
	assert.True(t, dec("1100").Equal(f.balance(t, f.broker)))

	_, err = f.ledger.Transfers.ApproveTransfer(f.ctx, parked.ID, "ops-1")
	assert.Equal(t, errs.KindInvalidTransition, errs.KindOf(err))
	_, err = f.ledger.Transfers.RejectTransfer(f.ctx, parked.ID, "too late")
	assert.Equal(t, errs.KindInvalidTransition, errs.KindOf(err))
}

func TestTransferRejectAndBlockedApproval(t *testing.T) {
	f := newFixture(t, ledger.Options{ApprovalThreshold: dec("100")})
	f.deposit(t, "300")

	parked, err := f.ledger.Transfers.TransferFunds(f.ctx, ledger.TransferRequest{
		FromAccountID: f.platform.ID, ToAccountID: f.broker.ID, Amount: dec("250"), Currency: "USD",
	})
	require.NoError(t, err)

	// Drain the platform so approval cannot be funded; the transfer stays parked.
	_, err = f.ledger.Transfers.Withdraw(f.ctx, ledger.ExternalTransferRequest{AccountID: f.platform.ID, Amount: dec("100"), Currency: "USD"})
	require.NoError(t, err)
	_, err = f.ledger.Transfers.ApproveTransfer(f.ctx, parked.ID, "ops-1")
	assert.Equal(t, errs.KindInsufficientFunds, errs.KindOf(err))

	stillParked, err := f.ledger.Transfers.GetTransfer(f.ctx, parked.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionStatusRequiresApproval, stillParked.Status)

	rejected, err := f.ledger.Transfers.RejectTransfer(f.ctx, parked.ID, "not funded")
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionStatusRejected, rejected.Status)
	assert.Equal(t, "not funded", rejected.FailureReason)
	assert.True(t, dec("200").Equal(f.balance(t, f.platform)))
}

func TestGetTransferNotFound(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	_, err := f.ledger.Transfers.GetTransfer(f.ctx, "missing")
	assert.Equal(t, errs.KindTransactionNotFound, errs.KindOf(err))
}

func TestDepositAndWithdrawRules(t *testing.T) {
	f := newFixture(t, ledger.Options{})

	_, err := f.ledger.Transfers.Deposit(f.ctx, ledger.ExternalTransferRequest{AccountID: f.broker.ID, Amount: dec("10"), Currency: "USD"})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err), "deposits only land on platform accounts")

	long := strings.Repeat("r", 256)
	_, err = f.ledger.Transfers.Deposit(f.ctx, ledger.ExternalTransferRequest{AccountID: f.platform.ID, Amount: dec("10"), Currency: "USD", Reference: long})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err), "deposit reference too long")
	_, err = f.ledger.Transfers.Withdraw(f.ctx, ledger.ExternalTransferRequest{AccountID: f.platform.ID, Amount: dec("1"), Currency: "USD", Reference: long})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err), "withdrawal reference too long")
	assert.True(t, f.balance(t, f.platform).IsZero())

	f.deposit(t, "10")
	_, err = f.ledger.Transfers.Withdraw(f.ctx, ledger.ExternalTransferRequest{AccountID: f.platform.ID, Amount: dec("11"), Currency: "USD"})
	assert.Equal(t, errs.KindInsufficientFunds, errs.KindOf(err))

	tx, err := f.ledger.Transfers.Withdraw(f.ctx, ledger.ExternalTransferRequest{AccountID: f.platform.ID, Amount: dec("10"), Currency: "USD", Reference: "w-1"})
	require.NoError(t, err)
	assert.Equal(t, ledger.TransactionTypeExternalWithdrawal, tx.TransactionType)
	assert.Empty(t, tx.ToAccountID)
	assert.True(t, f.balance(t, f.platform).IsZero())

	replayed, err := f.ledger.Transfers.Withdraw(f.ctx, ledger.ExternalTransferRequest{AccountID: f.platform.ID, Amount: dec("10"), Currency: "USD", Reference: "w-1"})
	require.NoError(t, err)
	assert.Equal(t, tx.ID, replayed.ID)
}

func TestGetAccountTransfersPagination(t *testing.T) {
	f := newFixture(t, ledger.Options{MaxPageSize: 3})
	f.fundBroker(t, "100")

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, f.transfer(t, f.broker, f.user, "1").ID)
	}

	page, err := f.ledger.Transfers.GetAccountTransfers(f.ctx, f.user.ID, ledger.TransferFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, ids[4], page.Transactions[0].ID)
	assert.Equal(t, ids[3], page.Transactions[1].ID)

	page, err = f.ledger.Transfers.GetAccountTransfers(f.ctx, f.user.ID, ledger.TransferFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, ids[0], page.Transactions[0].ID)

	page, err = f.ledger.Transfers.GetAccountTransfers(f.ctx, f.user.ID, ledger.TransferFilter{Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Limit, "limit capped at max page size")

	page, err = f.ledger.Transfers.GetAccountTransfers(f.ctx, f.user.ID, ledger.TransferFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Limit)

	future := time.Now().Add(time.Hour)
	page, err = f.ledger.Transfers.GetAccountTransfers(f.ctx, f.user.ID, ledger.TransferFilter{FromDate: &future})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
	assert.NotNil(t, page.Transactions)

	past := time.Now().Add(-time.Hour)
	_, err = f.ledger.Transfers.GetAccountTransfers(f.ctx, f.user.ID, ledger.TransferFilter{FromDate: &future, ToDate: &past})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = f.ledger.Transfers.GetAccountTransfers(f.ctx, "missing", ledger.TransferFilter{})
	assert.Equal(t, errs.KindAccountNotFound, errs.KindOf(err))
}

func TestTransferRollsBackWhenRecordWriteFails(t *testing.T) {
	var failWrites atomic.Bool
	hook := memory.WithRecordHook(func(tx *ledger.Transaction) error {
		if failWrites.Load() {
			return errors.New("disk full")
		}
		return nil
	})
	f := newFixture(t, ledger.Options{}, hook)
	f.fundBroker(t, "100")

	failWrites.Store(true)
	_, err := f.ledger.Transfers.TransferFunds(f.ctx, ledger.TransferRequest{
		FromAccountID: f.broker.ID, ToAccountID: f.user.ID, Amount: dec("40"), Currency: "USD",
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindInternal, errs.KindOf(err))

	assert.True(t, dec("100").Equal(f.balance(t, f.broker)), "debit rolled back")
	assert.True(t, f.balance(t, f.user).IsZero(), "credit rolled back")

	page, err := f.ledger.Transfers.GetAccountTransfers(f.ctx, f.user.ID, ledger.TransferFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, page.Total)
}

func TestConcurrentTransfersConserveBalance(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	f.fundBroker(t, "1000")

	users := []*ledger.Account{f.user}
	for i := 2; i <= 4; i++ {
		u, err := f.ledger.Registry.CreateEndUserAccount(f.ctx, ledger.CreateAccountRequest{
			TenantID: tenant, OwnerID: fmt.Sprintf("user-%d", i), Name: fmt.Sprintf("User %d", i),
			Currency: "USD", ParentAccountID: f.broker.ID,
		})
		require.NoError(t, err)
		users = append(users, u)
	}
	accounts := append([]*ledger.Account{f.broker}, users...)

	var wg sync.WaitGroup
	for i := 0; i < 400; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			from := accounts[r.Intn(len(accounts))]
			to := accounts[r.Intn(len(accounts))]
			if from.ID == to.ID {
				return
			}
			_, err := f.ledger.Transfers.TransferFunds(f.ctx, ledger.TransferRequest{
				FromAccountID: from.ID, ToAccountID: to.ID,
				Amount: decimal.NewFromInt(int64(r.Intn(300) + 1)), Currency: "USD",
			})
			if err != nil {
				assert.Equal(t, errs.KindInsufficientFunds, errs.KindOf(err))
			}
		}(int64(i))
	}
	wg.Wait()

	total := decimal.Zero
	for _, a := range accounts {
		b := f.balance(t, a)
		assert.False(t, b.IsNegative(), "account %s went negative", a.ID)
		total = total.Add(b)
	}
	assert.True(t, dec("1000").Equal(total), "total was %s", total)

	result, err := f.ledger.Validator.ValidateConservation(f.ctx, tenant)
	require.NoError(t, err)
	assert.True(t, result.IsValid, result.Message)
}

func TestConcurrentReadersNeverSeeHalfTransfers(t *testing.T) {
	f := newFixture(t, ledger.Options{})
	f.fundBroker(t, "1000")
	accounts := []*ledger.Account{f.broker, f.user}

	tenantTotal := func() (decimal.Decimal, error) {
		list, err := f.ledger.Registry.ListAccounts(f.ctx, tenant, ledger.AccountFilter{})
		if err != nil {
			return decimal.Zero, err
		}
		sum := decimal.Zero
		for _, a := range list {
			sum = sum.Add(a.Balance)
		}
		return sum, nil
	}

	done := make(chan struct{})
	var (
		readers sync.WaitGroup
		reads   atomic.Int64
	)
	mismatches := make(chan string, 4)
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				sum, err := tenantTotal()
				if err != nil {
					mismatches <- err.Error()
					return
				}
				reads.Add(1)
				if !sum.Equal(dec("1000")) {
					mismatches <- "tenant total was " + sum.String()
					return
				}
				select {
				case <-done:
					return
				default:
				}
			}
		}()
	}

	var writers sync.WaitGroup
	for i := 0; i < 200; i++ {
		writers.Add(1)
		go func(i int) {
			defer writers.Done()
			from, to := accounts[i%2], accounts[(i+1)%2]
			_, err := f.ledger.Transfers.TransferFunds(f.ctx, ledger.TransferRequest{
				FromAccountID: from.ID, ToAccountID: to.ID,
				Amount: decimal.NewFromInt(int64(i%50 + 1)), Currency: "USD",
			})
			if err != nil {
				assert.Equal(t, errs.KindInsufficientFunds, errs.KindOf(err))
			}
		}(i)
	}
	writers.Wait()
	close(done)
	readers.Wait()
	close(mismatches)

	for m := range mismatches {
		assert.Fail(t, m)
	}
	assert.Positive(t, reads.Load())
	sum, err := tenantTotal()
	require.NoError(t, err)
	assert.True(t, dec("1000").Equal(sum))
}

func TestTransactionStatusTransitions(t *testing.T) {
	allowed := ledger.AllowedTransactionTransitions()
	assert.ElementsMatch(t, []ledger.TransactionStatus{
		ledger.TransactionStatusCompleted, ledger.TransactionStatusFailed, ledger.TransactionStatusRequiresApproval,
	}, allowed[ledger.TransactionStatusPending])
	assert.ElementsMatch(t, []ledger.TransactionStatus{
		ledger.TransactionStatusCompleted, ledger.TransactionStatusRejected,
	}, allowed[ledger.TransactionStatusRequiresApproval])
	assert.Empty(t, allowed[ledger.TransactionStatusCompleted])
	assert.False(t, ledger.CanTransitionTransaction(ledger.TransactionStatusRequiresApproval, ledger.TransactionStatusFailed))
}
