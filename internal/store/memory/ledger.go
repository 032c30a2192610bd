// Package memory provides in-process implementations of every repository. It is the
// default driver and backs the unit tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/tiered-ledger/internal/errs"
	"github.com/example/tiered-ledger/internal/ledger"
)

// LedgerStore implements ledger.Store. One mutex guards accounts, transactions and
// segregations so ApplyTransfer is atomic for readers.
type LedgerStore struct {
	mu sync.RWMutex

	accounts     map[string]*ledger.Account
	tenantIndex  map[string][]string
	transactions map[string]*ledger.Transaction
	accountTxs   map[string][]string
	references   map[string]string
	segregations map[string]*ledger.FundSegregation
	tenantSegs   map[string][]string
	accountSegs  map[string][]string
	sequence     int64

	recordHook func(*ledger.Transaction) error
}

// Option configures a LedgerStore.
type Option func(*LedgerStore)

// WithRecordHook installs a function called after the balances of a transfer are
// changed and before its record is written. A non-nil error makes the store undo
// the balance changes and fail the transfer.
func WithRecordHook(fn func(*ledger.Transaction) error) Option {
	return func(s *LedgerStore) {
		s.recordHook = fn
	}
}

func NewLedgerStore(opts ...Option) *LedgerStore {
	s := &LedgerStore{
		accounts:     make(map[string]*ledger.Account),
		tenantIndex:  make(map[string][]string),
		transactions: make(map[string]*ledger.Transaction),
		accountTxs:   make(map[string][]string),
		references:   make(map[string]string),
		segregations: make(map[string]*ledger.FundSegregation),
		tenantSegs:   make(map[string][]string),
		accountSegs:  make(map[string][]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LedgerStore) CreateAccount(ctx context.Context, account *ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[account.ID]; exists {
		return fmt.Errorf("%w: account %s", errs.ErrDuplicate, account.ID)
	}
	s.accounts[account.ID] = account.Clone()
	s.tenantIndex[account.TenantID] = append(s.tenantIndex[account.TenantID], account.ID)
	return nil
}

func (s *LedgerStore) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, exists := s.accounts[id]
	if !exists {
		return nil, fmt.Errorf("%w: account %s", errs.ErrNotFound, id)
	}
	return account.Clone(), nil
}

func (s *LedgerStore) ListAccounts(ctx context.Context, tenantID string, filter ledger.AccountFilter) ([]*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ledger.Account, 0)
	for _, id := range s.tenantIndex[tenantID] {
		a := s.accounts[id]
		if filter.Match(a) {
			out = append(out, a.Clone())
		}
	}
	return out, nil
}

func (s *LedgerStore) UpdateAccount(ctx context.Context, account *ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.accounts[account.ID]
	if !exists {
		return fmt.Errorf("%w: account %s", errs.ErrNotFound, account.ID)
	}
	existing.Name = account.Name
	existing.Status = account.Status
	existing.UpdatedAt = account.UpdatedAt
	existing.BankAccount = nil
	if account.BankAccount != nil {
		b := *account.BankAccount
		existing.BankAccount = &b
	}
	return nil
}

func (s *LedgerStore) ApplyTransfer(ctx context.Context, tx *ledger.Transaction, prior ledger.TransactionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	var from, to *ledger.Account
	if tx.FromAccountID != "" {
		a, ok := s.accounts[tx.FromAccountID]
		if !ok {
			return fmt.Errorf("%w: account %s", errs.ErrNotFound, tx.FromAccountID)
		}
		from = a
	}
	if tx.ToAccountID != "" {
		a, ok := s.accounts[tx.ToAccountID]
		if !ok {
			return fmt.Errorf("%w: account %s", errs.ErrNotFound, tx.ToAccountID)
		}
		to = a
	}

	if prior != "" {
		existing, ok := s.transactions[tx.ID]
		if !ok {
			return fmt.Errorf("%w: transaction %s", errs.ErrNotFound, tx.ID)
		}
		if existing.Status != prior {
			return fmt.Errorf("%w: transaction %s is %s", errs.ErrConflict, tx.ID, existing.Status)
		}
	} else if err := s.checkNewLocked(tx); err != nil {
		return err
	}

	var debited decimal.Decimal
	if from != nil {
		debited = from.Balance.Sub(tx.Amount)
		if debited.LessThan(s.sumActiveLocked(from.ID)) {
			return fmt.Errorf("%w: account %s", errs.ErrInsufficientBalance, from.ID)
		}
	}

	// Apply both legs, then write the record; a failed write undoes the legs.
	var fromBefore, toBefore decimal.Decimal
	if from != nil {
		fromBefore = from.Balance
		from.Balance = debited
		from.UpdatedAt = tx.UpdatedAt
	}
	if to != nil {
		toBefore = to.Balance
		to.Balance = to.Balance.Add(tx.Amount)
		to.UpdatedAt = tx.UpdatedAt
	}

	if s.recordHook != nil {
		if err := s.recordHook(tx); err != nil {
			if from != nil {
				from.Balance = fromBefore
			}
			if to != nil {
				to.Balance = toBefore
			}
			return fmt.Errorf("failed to record transaction %s: %w", tx.ID, err)
		}
	}

	s.sequence++
	tx.Sequence = s.sequence
	s.putTransactionLocked(tx.Clone())
	return nil
}

func (s *LedgerStore) SaveTransaction(ctx context.Context, tx *ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkNewLocked(tx); err != nil {
		return err
	}
	s.sequence++
	tx.Sequence = s.sequence
	s.putTransactionLocked(tx.Clone())
	return nil
}

func (s *LedgerStore) UpdateTransactionStatus(ctx context.Context, id string, from, to ledger.TransactionStatus, reason string, at time.Time) (*ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", errs.ErrNotFound, id)
	}
	if existing.Status != from {
		return nil, fmt.Errorf("%w: transaction %s is %s", errs.ErrConflict, id, existing.Status)
	}
	updated := existing.Clone()
	updated.Status = to
	updated.FailureReason = reason
	updated.UpdatedAt = at
	s.putTransactionLocked(updated)
	return updated.Clone(), nil
}

func (s *LedgerStore) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", errs.ErrNotFound, id)
	}
	return tx.Clone(), nil
}

func (s *LedgerStore) FindTransactionByReference(ctx context.Context, accountID, reference string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.references[referenceKey(accountID, reference)]
	if !ok {
		return nil, fmt.Errorf("%w: reference %s", errs.ErrNotFound, reference)
	}
	return s.transactions[id].Clone(), nil
}

func (s *LedgerStore) ListTransactions(ctx context.Context, accountID string, filter ledger.TransferFilter) ([]*ledger.Transaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*ledger.Transaction
	for _, id := range s.accountTxs[accountID] {
		tx := s.transactions[id]
		if filter.Match(tx) {
			matched = append(matched, tx)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Sequence > matched[j].Sequence
	})

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < total {
		end = start + filter.Limit
	}

	page := make([]*ledger.Transaction, 0, end-start)
	for _, tx := range matched[start:end] {
		page = append(page, tx.Clone())
	}
	return page, total, nil
}

func (s *LedgerStore) CreateSegregation(ctx context.Context, seg *ledger.FundSegregation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.segregations[seg.ID]; exists {
		return fmt.Errorf("%w: segregation %s", errs.ErrDuplicate, seg.ID)
	}
	s.segregations[seg.ID] = seg.Clone()
	s.tenantSegs[seg.TenantID] = append(s.tenantSegs[seg.TenantID], seg.ID)
	s.accountSegs[seg.AccountID] = append(s.accountSegs[seg.AccountID], seg.ID)
	return nil
}

func (s *LedgerStore) GetSegregation(ctx context.Context, id string) (*ledger.FundSegregation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seg, ok := s.segregations[id]
	if !ok {
		return nil, fmt.Errorf("%w: segregation %s", errs.ErrNotFound, id)
	}
	return seg.Clone(), nil
}

func (s *LedgerStore) ListSegregations(ctx context.Context, tenantID string, filter ledger.SegregationFilter) ([]*ledger.FundSegregation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ledger.FundSegregation, 0)
	for _, id := range s.tenantSegs[tenantID] {
		seg := s.segregations[id]
		if filter.Match(seg) {
			out = append(out, seg.Clone())
		}
	}
	return out, nil
}

func (s *LedgerStore) UpdateSegregationStatus(ctx context.Context, id string, from, to ledger.SegregationStatus, at time.Time) (*ledger.FundSegregation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segregations[id]
	if !ok {
		return nil, fmt.Errorf("%w: segregation %s", errs.ErrNotFound, id)
	}
	if seg.Status != from {
		return nil, fmt.Errorf("%w: segregation %s is %s", errs.ErrConflict, id, seg.Status)
	}
	seg.Status = to
	seg.UpdatedAt = at
	return seg.Clone(), nil
}

func (s *LedgerStore) SumActiveSegregations(ctx context.Context, accountID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumActiveLocked(accountID), nil
}

func (s *LedgerStore) sumActiveLocked(accountID string) decimal.Decimal {
	sum := decimal.Zero
	for _, id := range s.accountSegs[accountID] {
		seg := s.segregations[id]
		if seg.Status == ledger.SegregationStatusActive {
			sum = sum.Add(seg.Amount)
		}
	}
	return sum
}

func (s *LedgerStore) checkNewLocked(tx *ledger.Transaction) error {
	if _, exists := s.transactions[tx.ID]; exists {
		return fmt.Errorf("%w: transaction %s", errs.ErrDuplicate, tx.ID)
	}
	if tx.Reference != "" && holdsReference(tx.Status) {
		if _, taken := s.references[referenceKey(tx.OriginAccountID(), tx.Reference)]; taken {
			return fmt.Errorf("%w: reference %s", errs.ErrDuplicate, tx.Reference)
		}
	}
	return nil
}

// putTransactionLocked stores tx and keeps the account and reference indexes current.
func (s *LedgerStore) putTransactionLocked(tx *ledger.Transaction) {
	if _, exists := s.transactions[tx.ID]; !exists {
		for _, id := range []string{tx.FromAccountID, tx.ToAccountID} {
			if id != "" {
				s.accountTxs[id] = append(s.accountTxs[id], tx.ID)
			}
		}
	}
	s.transactions[tx.ID] = tx

	if tx.Reference == "" {
		return
	}
	key := referenceKey(tx.OriginAccountID(), tx.Reference)
	if holdsReference(tx.Status) {
		s.references[key] = tx.ID
	} else if s.references[key] == tx.ID {
		delete(s.references, key)
	}
}

// holdsReference reports whether a record in status claims its idempotency reference.
func holdsReference(status ledger.TransactionStatus) bool {
	return status == ledger.TransactionStatusCompleted || status == ledger.TransactionStatusRequiresApproval
}

func referenceKey(accountID, reference string) string {
	return accountID + "\x00" + reference
}
