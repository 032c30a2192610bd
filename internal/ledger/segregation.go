package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/tiered-ledger/internal/errs"
	"github.com/example/tiered-ledger/internal/events"
)

// SegregationLedger ring-fences parts of account balances. It shares the per-account
// lock with the transfer engine, so a segregation check never races a debit.
type SegregationLedger struct {
	store  Store
	opts   Options
	logger *zap.Logger
}

// CreateSegregationRequest represents the request to ring-fence funds on an account.
type CreateSegregationRequest struct {
	TenantID        string          `json:"tenant_id"`
	AccountID       string          `json:"account_id"`
	SegregationType string          `json:"segregation_type"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Reason          string          `json:"reason,omitempty"`
}

// NewSegregationLedger creates a segregation ledger over store.
func NewSegregationLedger(store Store, opts Options) *SegregationLedger {
	opts = opts.withDefaults()
	return &SegregationLedger{
		store:  store,
		opts:   opts,
		logger: opts.Logger.Named("segregation"),
	}
}

// CreateSegregation marks amount of the account balance as ACTIVE. When the active
// total would exceed the balance the request is persisted as VIOLATED for audit and
// SEGREGATION_LIMIT_EXCEEDED is returned.
func (l *SegregationLedger) CreateSegregation(ctx context.Context, req CreateSegregationRequest) (*FundSegregation, error) {
	if err := validateTenant(req.TenantID); err != nil {
		return nil, err
	}
	if req.AccountID == "" {
		return nil, errs.E(errs.KindValidation, "account id is required")
	}
	if !segregationPattern.MatchString(req.SegregationType) {
		return nil, errs.E(errs.KindValidation, "segregation type '%s' must be an upper-case identifier", req.SegregationType)
	}
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	if err := validateCurrency(req.Currency); err != nil {
		return nil, err
	}

	unlock := l.opts.Locker.Lock(req.AccountID)
	defer unlock()

	account, err := l.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, accountLookupError(err, req.AccountID)
	}
	if account.TenantID != req.TenantID {
		return nil, errs.E(errs.KindAccountNotFound, "account %s not found in tenant %s", req.AccountID, req.TenantID)
	}
	if account.Currency != req.Currency {
		return nil, errs.E(errs.KindValidation, "currency %s does not match account currency %s", req.Currency, account.Currency)
	}
	if account.Status == AccountStatusClosed {
		return nil, errs.E(errs.KindAccountNotActive, "account %s is closed", account.ID)
	}

	active, err := l.store.SumActiveSegregations(ctx, account.ID)
	if err != nil {
		return nil, errs.Internal(err, "failed to sum segregations for account %s", account.ID)
	}

	now := l.opts.Now()
	seg := &FundSegregation{
		ID:              uuid.NewString(),
		TenantID:        req.TenantID,
		AccountID:       account.ID,
		SegregationType: req.SegregationType,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Status:          SegregationStatusActive,
		Reason:          req.Reason,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if active.Add(req.Amount).GreaterThan(account.Balance) {
		return nil, l.violate(ctx, seg, active, account.Balance)
	}

	if err := l.store.CreateSegregation(ctx, seg); err != nil {
		return nil, errs.Internal(err, "failed to create segregation")
	}

	l.logger.Info("funds segregated",
		zap.String("segregation_id", seg.ID),
		zap.String("account_id", seg.AccountID),
		zap.String("type", seg.SegregationType),
		zap.String("amount", seg.Amount.String()),
	)
	return seg, nil
}

func (l *SegregationLedger) violate(ctx context.Context, seg *FundSegregation, active, balance decimal.Decimal) error {
	e := errs.E(errs.KindSegregationLimitExceeded,
		"segregating %s on top of %s would exceed balance %s of account %s", seg.Amount, active, balance, seg.AccountID)

	seg.Status = SegregationStatusViolated
	seg.Reason = e.Message
	if err := l.store.CreateSegregation(ctx, seg); err != nil {
		l.logger.Error("failed to record violated segregation", zap.String("account_id", seg.AccountID), zap.Error(err))
	}

	l.opts.Metrics.RecordSegregationViolation()
	l.logger.Warn("segregation limit exceeded",
		zap.String("segregation_id", seg.ID),
		zap.String("account_id", seg.AccountID),
		zap.String("requested", seg.Amount.String()),
		zap.String("active", active.String()),
		zap.String("balance", balance.String()),
	)
	publish(ctx, l.opts.Publisher, l.logger, events.New(events.SegregationViolated, seg.AccountID, seg))
	return e
}

// GetFundSegregation returns a segregation or FUND_SEGREGATION_NOT_FOUND.
func (l *SegregationLedger) GetFundSegregation(ctx context.Context, id string) (*FundSegregation, error) {
	seg, err := l.store.GetSegregation(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.E(errs.KindSegregationNotFound, "fund segregation %s not found", id)
	}
	if err != nil {
		return nil, errs.Internal(err, "failed to load segregation %s", id)
	}
	return seg, nil
}

// GetFundSegregations lists a tenant's segregations matching filter.
func (l *SegregationLedger) GetFundSegregations(ctx context.Context, tenantID string, filter SegregationFilter) ([]*FundSegregation, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	segs, err := l.store.ListSegregations(ctx, tenantID, filter)
	if err != nil {
		return nil, errs.Internal(err, "failed to list segregations")
	}
	return segs, nil
}

// UpdateFundSegregationStatus releases or flags an ACTIVE segregation. Flagging as
// VIOLATED is logged for manual remediation and never corrected automatically.
func (l *SegregationLedger) UpdateFundSegregationStatus(ctx context.Context, id string, status SegregationStatus) (*FundSegregation, error) {
	seg, err := l.GetFundSegregation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransitionSegregation(seg.Status, status) {
		return nil, invalidTransition("segregation", id, seg.Status, status)
	}

	unlock := l.opts.Locker.Lock(seg.AccountID)
	defer unlock()

	updated, err := l.store.UpdateSegregationStatus(ctx, id, seg.Status, status, l.opts.Now())
	switch {
	case errors.Is(err, errs.ErrConflict):
		return nil, invalidTransition("segregation", id, seg.Status, status)
	case errors.Is(err, errs.ErrNotFound):
		return nil, errs.E(errs.KindSegregationNotFound, "fund segregation %s not found", id)
	case err != nil:
		return nil, errs.Internal(err, "failed to update segregation %s", id)
	}

	if status == SegregationStatusViolated {
		l.opts.Metrics.RecordSegregationViolation()
		l.logger.Error("segregation marked violated, manual remediation required",
			zap.String("segregation_id", id),
			zap.String("account_id", updated.AccountID),
			zap.String("amount", updated.Amount.String()),
		)
		publish(ctx, l.opts.Publisher, l.logger, events.New(events.SegregationViolated, updated.AccountID, updated))
		return updated, nil
	}

	l.logger.Info("segregation status changed", zap.String("segregation_id", id), zap.String("status", string(status)))
	return updated, nil
}

// ReleaseSegregation frees ring-fenced funds.
func (l *SegregationLedger) ReleaseSegregation(ctx context.Context, id string) (*FundSegregation, error) {
	return l.UpdateFundSegregationStatus(ctx, id, SegregationStatusReleased)
}

// AvailableBalance is the account balance minus its ACTIVE segregations.
func (l *SegregationLedger) AvailableBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	account, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, accountLookupError(err, accountID)
	}
	return l.available(ctx, account)
}

// available expects the caller to hold the account lock when it acts on the result.
func (l *SegregationLedger) available(ctx context.Context, account *Account) (decimal.Decimal, error) {
	active, err := l.store.SumActiveSegregations(ctx, account.ID)
	if err != nil {
		return decimal.Zero, errs.Internal(err, "failed to sum segregations for account %s", account.ID)
	}
	return account.Balance.Sub(active), nil
}
