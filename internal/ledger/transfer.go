package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/tiered-ledger/internal/errs"
	"github.com/example/tiered-ledger/internal/events"
)

// TransferEngine moves funds between accounts as balanced, all-or-nothing transfers.
// Every balance change for an account is serialized on that account's lock.
type TransferEngine struct {
	store        Store
	segregations *SegregationLedger
	opts         Options
	logger       *zap.Logger
}

// TransferRequest represents the request to move funds between two accounts.
type TransferRequest struct {
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Description   string          `json:"description"`
	// Reference is an idempotency key scoped to the source account.
	Reference       string                 `json:"reference,omitempty"`
	TransactionType TransactionType        `json:"transaction_type,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// ExternalTransferRequest represents a deposit into or withdrawal from a platform account.
type ExternalTransferRequest struct {
	AccountID   string                 `json:"account_id"`
	Amount      decimal.Decimal        `json:"amount"`
	Currency    string                 `json:"currency"`
	Description string                 `json:"description"`
	Reference   string                 `json:"reference,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// NewTransferEngine creates a transfer engine; segregations limits what a debit may take.
func NewTransferEngine(store Store, segregations *SegregationLedger, opts Options) *TransferEngine {
	opts = opts.withDefaults()
	if segregations == nil {
		segregations = NewSegregationLedger(store, opts)
	}
	return &TransferEngine{
		store:        store,
		segregations: segregations,
		opts:         opts,
		logger:       opts.Logger.Named("transfer"),
	}
}

// TransferFunds executes a transfer. Business rejections are recorded as FAILED
// transactions and returned as errors carrying the transaction id; malformed input
// is rejected before anything is written.
func (e *TransferEngine) TransferFunds(ctx context.Context, req TransferRequest) (*Transaction, error) {
	start := time.Now()

	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.FromAccountID == "" || req.ToAccountID == "" {
		return nil, errs.E(errs.KindValidation, "from and to account ids are required")
	}
	if req.FromAccountID == req.ToAccountID {
		return nil, errs.E(errs.KindSelfTransfer, "cannot transfer from account %s to itself", req.FromAccountID)
	}
	if err := validateCurrency(req.Currency); err != nil {
		return nil, err
	}
	if err := validateInternalType(req.TransactionType); err != nil {
		return nil, err
	}
	if err := validateReference(req.Reference); err != nil {
		return nil, err
	}

	unlock := e.opts.Locker.Lock(req.FromAccountID, req.ToAccountID)
	defer unlock()

	if req.Reference != "" {
		existing, err := e.findByReference(ctx, req.FromAccountID, req.Reference)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return e.replay(existing, req.FromAccountID, req.ToAccountID, req.Amount, req.Currency)
		}
	}

	from, err := e.loadAccount(ctx, req.FromAccountID)
	if err != nil {
		return nil, err
	}
	to, err := e.loadAccount(ctx, req.ToAccountID)
	if err != nil {
		return nil, err
	}
	if from.TenantID != to.TenantID {
		return nil, errs.E(errs.KindValidation, "cross-tenant transfers are not allowed")
	}
	if from.Currency != req.Currency || to.Currency != req.Currency {
		return nil, errs.E(errs.KindValidation, "currency %s does not match accounts (%s, %s)", req.Currency, from.Currency, to.Currency)
	}

	txType := req.TransactionType
	if txType == "" {
		txType = deriveTransactionType(from.AccountType, to.AccountType)
	}
	tx := e.newTransaction(from.TenantID, from.ID, to.ID, txType, req.Amount, req.Currency, req.Description, req.Reference, req.Metadata)

	if from.Status != AccountStatusActive {
		return nil, e.fail(ctx, tx, start, errs.KindAccountNotActive, "source account %s is %s", from.ID, from.Status)
	}
	if to.Status != AccountStatusActive {
		return nil, e.fail(ctx, tx, start, errs.KindAccountNotActive, "destination account %s is %s", to.ID, to.Status)
	}

	if e.opts.ApprovalThreshold.IsPositive() && req.Amount.GreaterThan(e.opts.ApprovalThreshold) {
		return e.park(ctx, tx, start)
	}

	return e.commit(ctx, tx, from, start)
}

// Deposit credits a platform master account from outside the ledger.
func (e *TransferEngine) Deposit(ctx context.Context, req ExternalTransferRequest) (*Transaction, error) {
	return e.external(ctx, req, TransactionTypeExternalDeposit)
}

// Withdraw debits a platform master account to outside the ledger.
func (e *TransferEngine) Withdraw(ctx context.Context, req ExternalTransferRequest) (*Transaction, error) {
	return e.external(ctx, req, TransactionTypeExternalWithdrawal)
}

func (e *TransferEngine) external(ctx context.Context, req ExternalTransferRequest, txType TransactionType) (*Transaction, error) {
	start := time.Now()

	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if req.AccountID == "" {
		return nil, errs.E(errs.KindValidation, "account id is required")
	}
	if err := validateCurrency(req.Currency); err != nil {
		return nil, err
	}
	if err := validateReference(req.Reference); err != nil {
		return nil, err
	}

	unlock := e.opts.Locker.Lock(req.AccountID)
	defer unlock()

	fromID, toID := "", req.AccountID
	if txType == TransactionTypeExternalWithdrawal {
		fromID, toID = req.AccountID, ""
	}

	if req.Reference != "" {
		existing, err := e.findByReference(ctx, req.AccountID, req.Reference)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return e.replay(existing, fromID, toID, req.Amount, req.Currency)
		}
	}

	account, err := e.loadAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if account.AccountType != AccountTypePlatformMaster {
		return nil, errs.E(errs.KindValidation, "external funds move only through platform master accounts")
	}
	if account.Currency != req.Currency {
		return nil, errs.E(errs.KindValidation, "currency %s does not match account currency %s", req.Currency, account.Currency)
	}

	tx := e.newTransaction(account.TenantID, fromID, toID, txType, req.Amount, req.Currency, req.Description, req.Reference, req.Metadata)
	if account.Status != AccountStatusActive {
		return nil, e.fail(ctx, tx, start, errs.KindAccountNotActive, "account %s is %s", account.ID, account.Status)
	}

	var source *Account
	if fromID != "" {
		source = account
	}
	return e.commit(ctx, tx, source, start)
}

// ApproveTransfer executes a transfer parked in REQUIRES_APPROVAL. Funds and account
// status are checked again at approval time; a failed check leaves it parked.
func (e *TransferEngine) ApproveTransfer(ctx context.Context, transactionID, approvedBy string) (*Transaction, error) {
	start := time.Now()

	tx, err := e.GetTransfer(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != TransactionStatusRequiresApproval {
		return nil, invalidTransition("transaction", tx.ID, tx.Status, TransactionStatusCompleted)
	}

	unlock := e.opts.Locker.Lock(tx.FromAccountID, tx.ToAccountID)
	defer unlock()

	// Re-read under the lock; a concurrent approve or reject may have won.
	tx, err = e.GetTransfer(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.Status != TransactionStatusRequiresApproval {
		return nil, invalidTransition("transaction", tx.ID, tx.Status, TransactionStatusCompleted)
	}

	from, err := e.loadAccount(ctx, tx.FromAccountID)
	if err != nil {
		return nil, err
	}
	to, err := e.loadAccount(ctx, tx.ToAccountID)
	if err != nil {
		return nil, err
	}
	if from.Status != AccountStatusActive || to.Status != AccountStatusActive {
		return nil, e.fail(ctx, tx, start, errs.KindAccountNotActive, "accounts must be ACTIVE to approve transfer %s", tx.ID)
	}

	if approvedBy != "" {
		if tx.Metadata == nil {
			tx.Metadata = make(map[string]interface{})
		}
		tx.Metadata["approved_by"] = approvedBy
	}
	return e.commit(ctx, tx, from, start)
}

// RejectTransfer closes a parked transfer without moving funds.
func (e *TransferEngine) RejectTransfer(ctx context.Context, transactionID, reason string) (*Transaction, error) {
	tx, err := e.GetTransfer(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !CanTransitionTransaction(tx.Status, TransactionStatusRejected) {
		return nil, invalidTransition("transaction", tx.ID, tx.Status, TransactionStatusRejected)
	}

	unlock := e.opts.Locker.Lock(tx.FromAccountID, tx.ToAccountID)
	defer unlock()

	updated, err := e.store.UpdateTransactionStatus(ctx, tx.ID, TransactionStatusRequiresApproval, TransactionStatusRejected, reason, e.opts.Now())
	switch {
	case errors.Is(err, errs.ErrConflict):
		return nil, invalidTransition("transaction", tx.ID, tx.Status, TransactionStatusRejected)
	case errors.Is(err, errs.ErrNotFound):
		return nil, errs.E(errs.KindTransactionNotFound, "transaction %s not found", tx.ID)
	case err != nil:
		return nil, errs.Internal(err, "failed to reject transaction %s", tx.ID)
	}

	e.opts.Metrics.RecordTransfer(string(TransactionStatusRejected), string(updated.TransactionType), 0)
	e.logger.Info("transfer rejected", zap.String("transaction_id", updated.ID), zap.String("reason", reason))
	publish(ctx, e.opts.Publisher, e.logger, events.New(events.TransferRejected, updated.OriginAccountID(), updated))
	return updated, nil
}

// GetTransfer returns a transaction or TRANSACTION_NOT_FOUND.
func (e *TransferEngine) GetTransfer(ctx context.Context, transactionID string) (*Transaction, error) {
	if transactionID == "" {
		return nil, errs.E(errs.KindValidation, "transaction id is required")
	}
	tx, err := e.store.GetTransaction(ctx, transactionID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.E(errs.KindTransactionNotFound, "transaction %s not found", transactionID)
	}
	if err != nil {
		return nil, errs.Internal(err, "failed to load transaction %s", transactionID)
	}
	return tx, nil
}

// GetAccountTransfers returns one page of the account's transfers, newest first.
func (e *TransferEngine) GetAccountTransfers(ctx context.Context, accountID string, filter TransferFilter) (*TransferPage, error) {
	if _, err := e.loadAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, errs.E(errs.KindValidation, "limit and offset must not be negative")
	}
	if filter.Limit == 0 {
		filter.Limit = DefaultPageSize
	}
	if filter.Limit > e.opts.MaxPageSize {
		filter.Limit = e.opts.MaxPageSize
	}
	if filter.FromDate != nil && filter.ToDate != nil && filter.FromDate.After(*filter.ToDate) {
		return nil, errs.E(errs.KindValidation, "from date must be before to date")
	}

	txs, total, err := e.store.ListTransactions(ctx, accountID, filter)
	if err != nil {
		return nil, errs.Internal(err, "failed to list transactions for account %s", accountID)
	}
	if txs == nil {
		txs = []*Transaction{}
	}
	return &TransferPage{
		Transactions: txs,
		Total:        total,
		Limit:        filter.Limit,
		Offset:       filter.Offset,
	}, nil
}

// commit checks available funds on source (nil for deposits) and applies tx atomically.
func (e *TransferEngine) commit(ctx context.Context, tx *Transaction, source *Account, start time.Time) (*Transaction, error) {
	if source != nil {
		available, err := e.segregations.available(ctx, source)
		if err != nil {
			return nil, err
		}
		if tx.Amount.GreaterThan(available) {
			return nil, e.fail(ctx, tx, start, errs.KindInsufficientFunds,
				"available balance %s on account %s is below %s", available, source.ID, tx.Amount)
		}
	}

	var prior TransactionStatus
	if tx.Status == TransactionStatusRequiresApproval {
		prior = TransactionStatusRequiresApproval
	}
	previous := tx.Status
	tx.Status = TransactionStatusCompleted
	tx.FailureReason = ""
	tx.UpdatedAt = e.opts.Now()

	if err := e.store.ApplyTransfer(ctx, tx, prior); err != nil {
		tx.Status = previous
		switch {
		case errors.Is(err, errs.ErrInsufficientBalance):
			return nil, e.fail(ctx, tx, start, errs.KindInsufficientFunds, "insufficient available balance on account %s", tx.FromAccountID)
		case errors.Is(err, errs.ErrConflict):
			return nil, invalidTransition("transaction", tx.ID, previous, TransactionStatusCompleted)
		case errors.Is(err, errs.ErrNotFound):
			return nil, errs.E(errs.KindAccountNotFound, "account for transaction %s not found", tx.ID)
		}
		e.logger.Error("transfer commit failed", zap.String("transaction_id", tx.ID), zap.Error(err))
		return nil, errs.Internal(err, "failed to apply transfer")
	}

	e.opts.Metrics.RecordTransfer(string(tx.Status), string(tx.TransactionType), time.Since(start))
	e.logger.Info("transfer completed",
		zap.String("transaction_id", tx.ID),
		zap.String("from", tx.FromAccountID),
		zap.String("to", tx.ToAccountID),
		zap.String("amount", tx.Amount.String()),
		zap.String("currency", tx.Currency),
		zap.String("type", string(tx.TransactionType)),
		zap.Int64("sequence", tx.Sequence),
	)
	publish(ctx, e.opts.Publisher, e.logger, events.New(events.TransferCompleted, tx.OriginAccountID(), tx))
	return tx, nil
}

// park records a transfer above the approval threshold without touching balances.
func (e *TransferEngine) park(ctx context.Context, tx *Transaction, start time.Time) (*Transaction, error) {
	tx.Status = TransactionStatusRequiresApproval
	tx.UpdatedAt = e.opts.Now()
	if err := e.store.SaveTransaction(ctx, tx); err != nil {
		return nil, errs.Internal(err, "failed to record transfer awaiting approval")
	}

	e.opts.Metrics.RecordTransfer(string(tx.Status), string(tx.TransactionType), time.Since(start))
	e.logger.Info("transfer requires approval",
		zap.String("transaction_id", tx.ID),
		zap.String("amount", tx.Amount.String()),
		zap.String("threshold", e.opts.ApprovalThreshold.String()),
	)
	publish(ctx, e.opts.Publisher, e.logger, events.New(events.TransferApprovalRequired, tx.OriginAccountID(), tx))
	return tx, nil
}

// fail records tx as FAILED when its status allows it and returns the business error.
// A parked transfer stays parked.
func (e *TransferEngine) fail(ctx context.Context, tx *Transaction, start time.Time, kind errs.Kind, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	e.opts.Metrics.RecordTransfer(string(TransactionStatusFailed), string(tx.TransactionType), time.Since(start))

	if !CanTransitionTransaction(tx.Status, TransactionStatusFailed) {
		e.logger.Info("transfer approval blocked", zap.String("transaction_id", tx.ID), zap.String("kind", string(kind)), zap.String("reason", msg))
		return &errs.Error{Kind: kind, Message: msg, TransactionID: tx.ID}
	}

	tx.Status = TransactionStatusFailed
	tx.FailureReason = msg
	tx.UpdatedAt = e.opts.Now()
	if err := e.store.SaveTransaction(ctx, tx); err != nil {
		e.logger.Error("failed to record failed transfer", zap.String("transaction_id", tx.ID), zap.Error(err))
		return &errs.Error{Kind: kind, Message: msg}
	}

	e.logger.Info("transfer rejected",
		zap.String("transaction_id", tx.ID),
		zap.String("kind", string(kind)),
		zap.String("reason", msg),
	)
	publish(ctx, e.opts.Publisher, e.logger, events.New(events.TransferFailed, tx.OriginAccountID(), tx))
	return &errs.Error{Kind: kind, Message: msg, TransactionID: tx.ID}
}

func (e *TransferEngine) findByReference(ctx context.Context, accountID, reference string) (*Transaction, error) {
	tx, err := e.store.FindTransactionByReference(ctx, accountID, reference)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Internal(err, "failed to look up reference %s", reference)
	}
	return tx, nil
}

// replay returns the stored transaction for a repeated reference, provided the
// request describes the same transfer.
func (e *TransferEngine) replay(existing *Transaction, fromID, toID string, amount decimal.Decimal, currency string) (*Transaction, error) {
	if existing.FromAccountID != fromID || existing.ToAccountID != toID ||
		!existing.Amount.Equal(amount) || existing.Currency != currency {
		return nil, errs.E(errs.KindValidation, "reference %s was already used for a different transfer", existing.Reference)
	}
	e.logger.Debug("idempotent transfer replay", zap.String("transaction_id", existing.ID), zap.String("reference", existing.Reference))
	return existing, nil
}

func (e *TransferEngine) loadAccount(ctx context.Context, accountID string) (*Account, error) {
	if accountID == "" {
		return nil, errs.E(errs.KindValidation, "account id is required")
	}
	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, accountLookupError(err, accountID)
	}
	return account, nil
}

func (e *TransferEngine) newTransaction(tenantID, fromID, toID string, txType TransactionType, amount decimal.Decimal, currency, description, reference string, metadata map[string]interface{}) *Transaction {
	now := e.opts.Now()
	tx := &Transaction{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		FromAccountID:   fromID,
		ToAccountID:     toID,
		Amount:          amount,
		Currency:        currency,
		Status:          TransactionStatusPending,
		TransactionType: txType,
		Description:     description,
		Reference:       reference,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if len(metadata) > 0 {
		tx.Metadata = make(map[string]interface{}, len(metadata))
		for k, v := range metadata {
			tx.Metadata[k] = v
		}
	}
	return tx
}

// deriveTransactionType names a transfer by the tiers it crosses.
func deriveTransactionType(from, to AccountType) TransactionType {
	switch {
	case from == AccountTypePlatformMaster && to == AccountTypeBrokerMaster:
		return TransactionTypeBrokerFunding
	case from == AccountTypeBrokerMaster && to == AccountTypeEndUser:
		return TransactionTypeUserFunding
	case from == AccountTypeEndUser && to == AccountTypeBrokerMaster:
		return TransactionTypeUserWithdrawal
	case from == AccountTypeBrokerMaster && to == AccountTypePlatformMaster:
		return TransactionTypeBrokerSettlement
	}
	return TransactionTypeInternalTransfer
}

func validateInternalType(t TransactionType) error {
	switch t {
	case "", TransactionTypeBrokerFunding, TransactionTypeUserFunding, TransactionTypeUserWithdrawal,
		TransactionTypeBrokerSettlement, TransactionTypeInternalTransfer:
		return nil
	}
	return errs.E(errs.KindValidation, "transaction type %s is not valid for an internal transfer", t)
}
