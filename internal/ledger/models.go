package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType is the tier of an account in the platform → broker → end-user tree.
type AccountType string

const (
	AccountTypePlatformMaster AccountType = "PLATFORM_MASTER"
	AccountTypeBrokerMaster   AccountType = "BROKER_MASTER"
	AccountTypeEndUser        AccountType = "END_USER"
)

// Level returns the depth of the tier, 0 for the platform root.
func (t AccountType) Level() int {
	switch t {
	case AccountTypeBrokerMaster:
		return 1
	case AccountTypeEndUser:
		return 2
	}
	return 0
}

// ParentType returns the tier a parent of t must have. Platform accounts have none.
func (t AccountType) ParentType() AccountType {
	switch t {
	case AccountTypeBrokerMaster:
		return AccountTypePlatformMaster
	case AccountTypeEndUser:
		return AccountTypeBrokerMaster
	}
	return ""
}

func (t AccountType) Valid() bool {
	switch t {
	case AccountTypePlatformMaster, AccountTypeBrokerMaster, AccountTypeEndUser:
		return true
	}
	return false
}

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "ACTIVE"
	AccountStatusSuspended AccountStatus = "SUSPENDED"
	AccountStatusClosed    AccountStatus = "CLOSED"
)

// BankAccount holds the external banking details linked to a ledger account.
type BankAccount struct {
	AccountHolder string    `json:"account_holder"`
	BankName      string    `json:"bank_name"`
	AccountNumber string    `json:"account_number"`
	RoutingNumber string    `json:"routing_number,omitempty"`
	IBAN          string    `json:"iban,omitempty"`
	SWIFT         string    `json:"swift,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	Verified      bool      `json:"verified"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Account is a node in a tenant's account tree. Balance changes only through the
// transfer engine.
type Account struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	AccountType     AccountType     `json:"account_type"`
	AccountLevel    int             `json:"account_level"`
	ParentAccountID string          `json:"parent_account_id,omitempty"`
	OwnerID         string          `json:"owner_id,omitempty"`
	Name            string          `json:"name"`
	Currency        string          `json:"currency"`
	Status          AccountStatus   `json:"status"`
	Balance         decimal.Decimal `json:"balance"`
	BankAccount     *BankAccount    `json:"bank_account,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.BankAccount != nil {
		b := *a.BankAccount
		c.BankAccount = &b
	}
	return &c
}

type TransactionStatus string

const (
	TransactionStatusPending          TransactionStatus = "PENDING"
	TransactionStatusCompleted        TransactionStatus = "COMPLETED"
	TransactionStatusFailed           TransactionStatus = "FAILED"
	TransactionStatusRequiresApproval TransactionStatus = "REQUIRES_APPROVAL"
	TransactionStatusRejected         TransactionStatus = "REJECTED"
)

type TransactionType string

const (
	TransactionTypeBrokerFunding      TransactionType = "BROKER_FUNDING"
	TransactionTypeUserFunding        TransactionType = "USER_FUNDING"
	TransactionTypeUserWithdrawal     TransactionType = "USER_WITHDRAWAL"
	TransactionTypeBrokerSettlement   TransactionType = "BROKER_SETTLEMENT"
	TransactionTypeInternalTransfer   TransactionType = "INTERNAL_TRANSFER"
	TransactionTypeExternalDeposit    TransactionType = "EXTERNAL_DEPOSIT"
	TransactionTypeExternalWithdrawal TransactionType = "EXTERNAL_WITHDRAWAL"
)

// Transaction is the record of one transfer. Either side is empty for external
// deposits and withdrawals.
type Transaction struct {
	ID              string                 `json:"id"`
	TenantID        string                 `json:"tenant_id"`
	FromAccountID   string                 `json:"from_account_id,omitempty"`
	ToAccountID     string                 `json:"to_account_id,omitempty"`
	Amount          decimal.Decimal        `json:"amount"`
	Currency        string                 `json:"currency"`
	Status          TransactionStatus      `json:"status"`
	TransactionType TransactionType        `json:"transaction_type"`
	Description     string                 `json:"description,omitempty"`
	Reference       string                 `json:"reference,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	FailureReason   string                 `json:"failure_reason,omitempty"`
	// Sequence orders records by the commit of their balance mutation.
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OriginAccountID is the account that scopes the idempotency reference: the debited
// account, or the credited one for an external deposit.
func (t *Transaction) OriginAccountID() string {
	if t.FromAccountID != "" {
		return t.FromAccountID
	}
	return t.ToAccountID
}

// Clone returns a deep copy. Metadata values are copied shallowly.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

type SegregationStatus string

const (
	SegregationStatusActive   SegregationStatus = "ACTIVE"
	SegregationStatusReleased SegregationStatus = "RELEASED"
	SegregationStatusViolated SegregationStatus = "VIOLATED"
)

const (
	SegregationTypeClientFunds       = "CLIENT_FUNDS"
	SegregationTypeOperatingFunds    = "OPERATING_FUNDS"
	SegregationTypeRegulatoryReserve = "REGULATORY_RESERVE"
)

// FundSegregation ring-fences part of an account balance without moving it.
type FundSegregation struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	AccountID       string            `json:"account_id"`
	SegregationType string            `json:"segregation_type"`
	Amount          decimal.Decimal   `json:"amount"`
	Currency        string            `json:"currency"`
	Status          SegregationStatus `json:"status"`
	Reason          string            `json:"reason,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func (s *FundSegregation) Clone() *FundSegregation {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// AccountFilter narrows ListAccounts. Zero fields match everything.
type AccountFilter struct {
	AccountType     AccountType
	ParentAccountID string
	Status          AccountStatus
	Currency        string
}

// Match reports whether a satisfies the filter.
func (f AccountFilter) Match(a *Account) bool {
	if f.AccountType != "" && a.AccountType != f.AccountType {
		return false
	}
	if f.ParentAccountID != "" && a.ParentAccountID != f.ParentAccountID {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Currency != "" && a.Currency != f.Currency {
		return false
	}
	return true
}

// TransferFilter narrows GetAccountTransfers.
type TransferFilter struct {
	FromDate        *time.Time
	ToDate          *time.Time
	Status          TransactionStatus
	TransactionType TransactionType
	Limit           int
	Offset          int
}

// Match applies every criterion except pagination.
func (f TransferFilter) Match(t *Transaction) bool {
	if f.FromDate != nil && t.CreatedAt.Before(*f.FromDate) {
		return false
	}
	if f.ToDate != nil && t.CreatedAt.After(*f.ToDate) {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.TransactionType != "" && t.TransactionType != f.TransactionType {
		return false
	}
	return true
}

// SegregationFilter narrows GetFundSegregations.
type SegregationFilter struct {
	AccountID       string
	SegregationType string
	Status          SegregationStatus
	Currency        string
}

func (f SegregationFilter) Match(s *FundSegregation) bool {
	if f.AccountID != "" && s.AccountID != f.AccountID {
		return false
	}
	if f.SegregationType != "" && s.SegregationType != f.SegregationType {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Currency != "" && s.Currency != f.Currency {
		return false
	}
	return true
}

// TransferPage is one page of an account's transfer history.
type TransferPage struct {
	Transactions []*Transaction `json:"transactions"`
	Total        int            `json:"total"`
	Limit        int            `json:"limit"`
	Offset       int            `json:"offset"`
}

// AccountNode is an account with its children, used by hierarchy queries.
type AccountNode struct {
	Account  *Account       `json:"account"`
	Children []*AccountNode `json:"children,omitempty"`
}
