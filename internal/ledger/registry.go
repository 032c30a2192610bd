package ledger

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/tiered-ledger/internal/errs"
)

// Registry creates and looks up accounts and enforces the hierarchy at creation time.
type Registry struct {
	store  Store
	opts   Options
	logger *zap.Logger
}

// CreateAccountRequest represents the request to create an account in any tier.
type CreateAccountRequest struct {
	TenantID string `json:"tenant_id"`
	// OwnerID is the broker id for broker accounts and the user id for end-user accounts.
	OwnerID         string       `json:"owner_id,omitempty"`
	Name            string       `json:"name"`
	Currency        string       `json:"currency"`
	ParentAccountID string       `json:"parent_account_id,omitempty"`
	BankAccount     *BankAccount `json:"bank_account,omitempty"`
}

// NewRegistry creates an account registry over store.
func NewRegistry(store Store, opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		store:  store,
		opts:   opts,
		logger: opts.Logger.Named("registry"),
	}
}

// CreatePlatformMasterAccount creates a tenant root account.
func (r *Registry) CreatePlatformMasterAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	req.ParentAccountID = ""
	return r.create(ctx, AccountTypePlatformMaster, req)
}

// CreateBrokerMasterAccount creates a broker account under a platform account of the same tenant.
func (r *Registry) CreateBrokerMasterAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	if req.OwnerID == "" {
		return nil, errs.E(errs.KindValidation, "broker id is required")
	}
	return r.create(ctx, AccountTypeBrokerMaster, req)
}

// CreateEndUserAccount creates a customer account under a broker account of the same tenant.
func (r *Registry) CreateEndUserAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	if req.OwnerID == "" {
		return nil, errs.E(errs.KindValidation, "user id is required")
	}
	return r.create(ctx, AccountTypeEndUser, req)
}

func (r *Registry) create(ctx context.Context, accountType AccountType, req CreateAccountRequest) (*Account, error) {
	if err := validateTenant(req.TenantID); err != nil {
		return nil, err
	}
	if err := validateName(req.Name); err != nil {
		return nil, err
	}
	if err := validateCurrency(req.Currency); err != nil {
		return nil, err
	}
	if req.BankAccount != nil {
		if err := validateBankAccount(req.BankAccount); err != nil {
			return nil, err
		}
	}

	if parentType := accountType.ParentType(); parentType != "" {
		if req.ParentAccountID == "" {
			return nil, errs.E(errs.KindValidation, "parent account id is required for %s", accountType)
		}
		parent, err := r.store.GetAccount(ctx, req.ParentAccountID)
		if err != nil {
			return nil, accountLookupError(err, req.ParentAccountID)
		}
		if parent.AccountType != parentType || parent.TenantID != req.TenantID {
			return nil, errs.E(errs.KindAccountNotFound, "parent %s %s not found in tenant %s", parentType, req.ParentAccountID, req.TenantID)
		}
	}

	now := r.opts.Now()
	account := &Account{
		ID:              uuid.NewString(),
		TenantID:        req.TenantID,
		AccountType:     accountType,
		AccountLevel:    accountType.Level(),
		ParentAccountID: req.ParentAccountID,
		OwnerID:         req.OwnerID,
		Name:            req.Name,
		Currency:        req.Currency,
		Status:          AccountStatusActive,
		Balance:         decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.BankAccount != nil {
		bank := *req.BankAccount
		bank.UpdatedAt = now
		account.BankAccount = &bank
	}

	if err := r.store.CreateAccount(ctx, account); err != nil {
		return nil, errs.Internal(err, "failed to create account")
	}

	r.logger.Info("account created",
		zap.String("account_id", account.ID),
		zap.String("tenant_id", account.TenantID),
		zap.String("account_type", string(account.AccountType)),
		zap.String("currency", account.Currency),
	)
	return account, nil
}

// GetAccount returns the account or an ACCOUNT_NOT_FOUND error.
func (r *Registry) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	if accountID == "" {
		return nil, errs.E(errs.KindValidation, "account id is required")
	}
	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, accountLookupError(err, accountID)
	}
	return account, nil
}

// ListAccounts returns the tenant's accounts matching filter, oldest first.
func (r *Registry) ListAccounts(ctx context.Context, tenantID string, filter AccountFilter) ([]*Account, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	accounts, err := r.store.ListAccounts(ctx, tenantID, filter)
	if err != nil {
		return nil, errs.Internal(err, "failed to list accounts")
	}
	return accounts, nil
}

// GetChildren returns the direct children of an account.
func (r *Registry) GetChildren(ctx context.Context, accountID string) ([]*Account, error) {
	parent, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	children, err := r.store.ListAccounts(ctx, parent.TenantID, AccountFilter{ParentAccountID: parent.ID})
	if err != nil {
		return nil, errs.Internal(err, "failed to list child accounts")
	}
	return children, nil
}

// GetHierarchy returns the tenant's account forest rooted at its platform accounts.
func (r *Registry) GetHierarchy(ctx context.Context, tenantID string) ([]*AccountNode, error) {
	accounts, err := r.ListAccounts(ctx, tenantID, AccountFilter{})
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*AccountNode, len(accounts))
	for _, a := range accounts {
		nodes[a.ID] = &AccountNode{Account: a}
	}

	var roots []*AccountNode
	for _, a := range accounts {
		node := nodes[a.ID]
		if a.ParentAccountID == "" {
			roots = append(roots, node)
			continue
		}
		if parent, ok := nodes[a.ParentAccountID]; ok {
			parent.Children = append(parent.Children, node)
		}
	}
	sortNodes(roots)
	return roots, nil
}

func sortNodes(nodes []*AccountNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Account.CreatedAt.Before(nodes[j].Account.CreatedAt)
	})
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}

// ConfigureBankAccount links banking details to an account, replacing any existing ones.
func (r *Registry) ConfigureBankAccount(ctx context.Context, accountID string, details BankAccount) (*Account, error) {
	return r.setBankAccount(ctx, accountID, details, false)
}

// UpdateBankAccount changes previously configured banking details.
func (r *Registry) UpdateBankAccount(ctx context.Context, accountID string, details BankAccount) (*Account, error) {
	return r.setBankAccount(ctx, accountID, details, true)
}

func (r *Registry) setBankAccount(ctx context.Context, accountID string, details BankAccount, requireExisting bool) (*Account, error) {
	if err := validateBankAccount(&details); err != nil {
		return nil, err
	}

	unlock := r.opts.Locker.Lock(accountID)
	defer unlock()

	account, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if requireExisting && account.BankAccount == nil {
		return nil, errs.E(errs.KindBankAccountNotConfigured, "account %s has no bank account configured", accountID)
	}

	now := r.opts.Now()
	details.UpdatedAt = now
	account.BankAccount = &details
	account.UpdatedAt = now
	if err := r.store.UpdateAccount(ctx, account); err != nil {
		return nil, errs.Internal(err, "failed to update bank account")
	}

	r.logger.Info("bank account configured", zap.String("account_id", accountID), zap.Bool("update", requireExisting))
	return account, nil
}

// UpdateAccountStatus suspends, reactivates or closes an account. Closing requires a
// zero balance and no ACTIVE segregations.
func (r *Registry) UpdateAccountStatus(ctx context.Context, accountID string, status AccountStatus) (*Account, error) {
	unlock := r.opts.Locker.Lock(accountID)
	defer unlock()

	account, err := r.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !CanTransitionAccount(account.Status, status) {
		return nil, invalidTransition("account", accountID, account.Status, status)
	}

	if status == AccountStatusClosed {
		if !account.Balance.IsZero() {
			return nil, errs.E(errs.KindInvalidTransition, "account %s has non-zero balance %s", accountID, account.Balance)
		}
		segregated, err := r.store.SumActiveSegregations(ctx, accountID)
		if err != nil {
			return nil, errs.Internal(err, "failed to sum segregations")
		}
		if segregated.IsPositive() {
			return nil, errs.E(errs.KindInvalidTransition, "account %s has active segregations", accountID)
		}
	}

	prev := account.Status
	account.Status = status
	account.UpdatedAt = r.opts.Now()
	if err := r.store.UpdateAccount(ctx, account); err != nil {
		return nil, errs.Internal(err, "failed to update account status")
	}

	r.logger.Info("account status changed",
		zap.String("account_id", accountID),
		zap.String("from", string(prev)),
		zap.String("to", string(status)),
	)
	return account, nil
}

// accountLookupError maps a repository lookup failure to ACCOUNT_NOT_FOUND or INTERNAL_ERROR.
func accountLookupError(err error, accountID string) error {
	if errors.Is(err, errs.ErrNotFound) {
		return errs.E(errs.KindAccountNotFound, "account %s not found", accountID)
	}
	return errs.Internal(err, "failed to load account %s", accountID)
}
