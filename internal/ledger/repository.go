package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repositories return errs.ErrNotFound (wrapped) for missing records and
// errs.ErrConflict when a compare-and-set on status loses.

// AccountRepository persists accounts.
type AccountRepository interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context, tenantID string, filter AccountFilter) ([]*Account, error)
	// UpdateAccount stores name, status and bank details. It never touches the balance.
	UpdateAccount(ctx context.Context, account *Account) error
}

// TransactionRepository persists transfer records and applies their balance effect.
type TransactionRepository interface {
	// ApplyTransfer debits FromAccountID, credits ToAccountID and writes tx as one
	// atomic unit, assigning tx.Sequence. An empty side is an external counterparty.
	// When prior is empty the record is inserted; otherwise the stored record must
	// currently have status prior (errs.ErrConflict if not) and is overwritten.
	// It fails with errs.ErrInsufficientBalance when the debit would leave the source
	// balance below the sum of its ACTIVE segregations. On any error no part of the
	// mutation is visible.
	ApplyTransfer(ctx context.Context, tx *Transaction, prior TransactionStatus) error
	// SaveTransaction appends a record without any balance effect.
	SaveTransaction(ctx context.Context, tx *Transaction) error
	UpdateTransactionStatus(ctx context.Context, id string, from, to TransactionStatus, reason string, at time.Time) (*Transaction, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	// FindTransactionByReference returns the COMPLETED or REQUIRES_APPROVAL record
	// carrying reference whose origin account is accountID.
	FindTransactionByReference(ctx context.Context, accountID, reference string) (*Transaction, error)
	// ListTransactions returns the page selected by filter, newest commit first, and
	// the total number of matches.
	ListTransactions(ctx context.Context, accountID string, filter TransferFilter) ([]*Transaction, int, error)
}

// SegregationRepository persists fund segregations.
type SegregationRepository interface {
	CreateSegregation(ctx context.Context, s *FundSegregation) error
	GetSegregation(ctx context.Context, id string) (*FundSegregation, error)
	ListSegregations(ctx context.Context, tenantID string, filter SegregationFilter) ([]*FundSegregation, error)
	UpdateSegregationStatus(ctx context.Context, id string, from, to SegregationStatus, at time.Time) (*FundSegregation, error)
	SumActiveSegregations(ctx context.Context, accountID string) (decimal.Decimal, error)
}

// Store groups the repositories the ledger needs from one backend.
type Store interface {
	AccountRepository
	TransactionRepository
	SegregationRepository
}
