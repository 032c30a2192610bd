package ledger

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/example/tiered-ledger/internal/errs"
)

var (
	currencyPattern    = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)
	segregationPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,63}$`)
	maxAmount          = decimal.RequireFromString("999999999999999999.999999999999999999")
)

func validateTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return errs.E(errs.KindValidation, "tenant id is required")
	}
	return nil
}

func validateName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n == 0 || n > 255 {
		return errs.E(errs.KindValidation, "name must be between 1 and 255 characters")
	}
	return nil
}

func validateReference(reference string) error {
	if len(reference) > 255 {
		return errs.E(errs.KindValidation, "reference must be at most 255 characters")
	}
	return nil
}

// validateCurrency accepts ISO 4217 codes and crypto symbols.
func validateCurrency(code string) error {
	if !currencyPattern.MatchString(code) {
		return errs.E(errs.KindValidation, "currency code '%s' must be 2-10 uppercase letters or digits", code)
	}
	return nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errs.E(errs.KindValidation, "amount must be greater than zero")
	}
	if amount.GreaterThan(maxAmount) {
		return errs.E(errs.KindValidation, "amount exceeds maximum limit")
	}
	return nil
}

func validateBankAccount(b *BankAccount) error {
	var missing []string
	if strings.TrimSpace(b.AccountHolder) == "" {
		missing = append(missing, "account_holder")
	}
	if strings.TrimSpace(b.BankName) == "" {
		missing = append(missing, "bank_name")
	}
	if strings.TrimSpace(b.AccountNumber) == "" && strings.TrimSpace(b.IBAN) == "" {
		missing = append(missing, "account_number or iban")
	}
	if len(missing) > 0 {
		return errs.E(errs.KindValidation, "bank account is missing: %s", strings.Join(missing, ", "))
	}
	if b.Currency != "" {
		return validateCurrency(b.Currency)
	}
	return nil
}

// Validator checks ledger invariants against the stored state.
type Validator struct {
	store Store
}

// NewValidator creates a new validator instance
func NewValidator(store Store) *Validator {
	return &Validator{store: store}
}

// ValidationResult represents the result of a validation check
type ValidationResult struct {
	IsValid        bool                   `json:"is_valid"`
	ValidationType string                 `json:"validation_type"`
	Message        string                 `json:"message"`
	AccountID      string                 `json:"account_id,omitempty"`
	TransactionID  string                 `json:"transaction_id,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

func result(validationType string, ok bool, accountID, message string) *ValidationResult {
	return &ValidationResult{
		IsValid:        ok,
		ValidationType: validationType,
		Message:        message,
		AccountID:      accountID,
		Timestamp:      time.Now().UTC(),
	}
}

// ValidateHierarchy checks that every broker hangs off a platform account and every
// end user off a broker account of the same tenant.
func (v *Validator) ValidateHierarchy(ctx context.Context, tenantID string) ([]*ValidationResult, error) {
	accounts, err := v.store.ListAccounts(ctx, tenantID, AccountFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	byID := make(map[string]*Account, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}

	var results []*ValidationResult
	for _, a := range accounts {
		want := a.AccountType.ParentType()
		switch {
		case want == "" && a.ParentAccountID != "":
			results = append(results, result("hierarchy", false, a.ID, "platform account must not have a parent"))
		case want == "":
			results = append(results, result("hierarchy", true, a.ID, "platform account is a root"))
		default:
			parent, ok := byID[a.ParentAccountID]
			if !ok || parent.AccountType != want {
				results = append(results, result("hierarchy", false, a.ID,
					fmt.Sprintf("%s must have a %s parent in tenant %s", a.AccountType, want, tenantID)))
				continue
			}
			results = append(results, result("hierarchy", true, a.ID, "parent link is valid"))
		}
	}
	return results, nil
}

// ValidateSegregationCoverage checks that ACTIVE segregations never exceed the balance.
func (v *Validator) ValidateSegregationCoverage(ctx context.Context, accountID string) (*ValidationResult, error) {
	account, err := v.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, accountLookupError(err, accountID)
	}
	segregated, err := v.store.SumActiveSegregations(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum segregations: %w", err)
	}

	ok := segregated.LessThanOrEqual(account.Balance)
	r := result("segregation_coverage", ok, accountID,
		fmt.Sprintf("active segregations %s against balance %s", segregated, account.Balance))
	r.Details = map[string]interface{}{
		"balance":    account.Balance.String(),
		"segregated": segregated.String(),
	}
	return r, nil
}

// ValidateConservation checks that the tenant's balances add up to net external
// funding. Internal transfers never change the total.
func (v *Validator) ValidateConservation(ctx context.Context, tenantID string) (*ValidationResult, error) {
	accounts, err := v.store.ListAccounts(ctx, tenantID, AccountFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	total := decimal.Zero
	external := decimal.Zero
	for _, a := range accounts {
		total = total.Add(a.Balance)
		if a.AccountType != AccountTypePlatformMaster {
			continue
		}
		deposits, err := v.sumCompleted(ctx, a.ID, TransactionTypeExternalDeposit)
		if err != nil {
			return nil, err
		}
		withdrawals, err := v.sumCompleted(ctx, a.ID, TransactionTypeExternalWithdrawal)
		if err != nil {
			return nil, err
		}
		external = external.Add(deposits).Sub(withdrawals)
	}

	ok := total.Equal(external)
	r := result("conservation", ok, "", fmt.Sprintf("tenant %s balances %s against net external funding %s", tenantID, total, external))
	r.Details = map[string]interface{}{
		"total_balance": total.String(),
		"net_external":  external.String(),
		"account_count": len(accounts),
	}
	return r, nil
}

func (v *Validator) sumCompleted(ctx context.Context, accountID string, txType TransactionType) (decimal.Decimal, error) {
	sum := decimal.Zero
	filter := TransferFilter{Status: TransactionStatusCompleted, TransactionType: txType, Limit: MaxPageSize}
	for {
		page, total, err := v.store.ListTransactions(ctx, accountID, filter)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to list transactions: %w", err)
		}
		for _, tx := range page {
			sum = sum.Add(tx.Amount)
		}
		filter.Offset += len(page)
		if len(page) == 0 || filter.Offset >= total {
			return sum, nil
		}
	}
}

// ValidateTenant runs every check for a tenant.
func (v *Validator) ValidateTenant(ctx context.Context, tenantID string) ([]*ValidationResult, error) {
	results, err := v.ValidateHierarchy(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	conservation, err := v.ValidateConservation(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	results = append(results, conservation)

	accounts, err := v.store.ListAccounts(ctx, tenantID, AccountFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	for _, a := range accounts {
		r, err := v.ValidateSegregationCoverage(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}
