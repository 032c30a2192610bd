package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/tiered-ledger/internal/errs"
	"github.com/example/tiered-ledger/internal/ledger"
	"github.com/example/tiered-ledger/internal/reconciliation"
)

type handlers struct {
	deps   Dependencies
	logger *zap.Logger
}

type statusRequest struct {
	Status string `json:"status"`
}

type approveRequest struct {
	ApprovedBy string `json:"approved_by"`
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

type platformBalanceRequest struct {
	Total decimal.Decimal `json:"total"`
}

type allocateFundsRequest struct {
	BrokerID   string          `json:"broker_id"`
	CustomerID string          `json:"customer_id"`
	Amount     decimal.Decimal `json:"amount"`
}

type brokerAllocationRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type allocationResult struct {
	Success bool `json:"success"`
}

type balanceResponse struct {
	AccountID string          `json:"account_id,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
}

type proofRequest struct {
	ExchangeID      string          `json:"exchange_id"`
	Asset           string          `json:"asset"`
	ExchangeBalance decimal.Decimal `json:"exchange_balance"`
	InternalTotal   decimal.Decimal `json:"internal_total"`
}

// queryParser keeps the first malformed query parameter in err.
type queryParser struct {
	values map[string][]string
	err    error
}

func newQueryParser(r *http.Request) *queryParser {
	return &queryParser{values: r.URL.Query()}
}

func (q *queryParser) get(name string) string {
	if v := q.values[name]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func (q *queryParser) intParam(name string) int {
	raw := q.get(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil && q.err == nil {
		q.err = errs.E(errs.KindValidation, "%s must be an integer", name)
	}
	return n
}

func (q *queryParser) timeParam(name string) *time.Time {
	raw := q.get(name)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		if q.err == nil {
			q.err = errs.E(errs.KindValidation, "%s must be an RFC 3339 timestamp", name)
		}
		return nil
	}
	return &t
}

// Accounts

func (h *handlers) createAccount(accountType ledger.AccountType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ledger.CreateAccountRequest
		if !decode(w, r, &req) {
			return
		}

		reg := h.deps.Ledger.Registry
		var (
			account *ledger.Account
			err     error
		)
		switch accountType {
		case ledger.AccountTypePlatformMaster:
			account, err = reg.CreatePlatformMasterAccount(r.Context(), req)
		case ledger.AccountTypeBrokerMaster:
			account, err = reg.CreateBrokerMasterAccount(r.Context(), req)
		default:
			account, err = reg.CreateEndUserAccount(r.Context(), req)
		}
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, account)
	}
}

func (h *handlers) listAccounts(w http.ResponseWriter, r *http.Request) {
	q := newQueryParser(r)
	accounts, err := h.deps.Ledger.Registry.ListAccounts(r.Context(), q.get("tenant_id"), ledger.AccountFilter{
		AccountType:     ledger.AccountType(q.get("account_type")),
		ParentAccountID: q.get("parent_account_id"),
		Status:          ledger.AccountStatus(q.get("status")),
		Currency:        q.get("currency"),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"accounts": accounts})
}

func (h *handlers) getAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.deps.Ledger.Registry.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, account)
}

func (h *handlers) getChildren(w http.ResponseWriter, r *http.Request) {
	children, err := h.deps.Ledger.Registry.GetChildren(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"accounts": children})
}

func (h *handlers) getHierarchy(w http.ResponseWriter, r *http.Request) {
	roots, err := h.deps.Ledger.Registry.GetHierarchy(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"hierarchy": roots})
}

func (h *handlers) validateTenant(w http.ResponseWriter, r *http.Request) {
	results, err := h.deps.Ledger.Validator.ValidateTenant(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	valid := true
	for _, res := range results {
		valid = valid && res.IsValid
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"valid": valid, "results": results})
}

func (h *handlers) updateAccountStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	account, err := h.deps.Ledger.Registry.UpdateAccountStatus(r.Context(), chi.URLParam(r, "accountID"), ledger.AccountStatus(req.Status))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, account)
}

func (h *handlers) configureBankAccount(w http.ResponseWriter, r *http.Request) {
	var req ledger.BankAccount
	if !decode(w, r, &req) {
		return
	}
	account, err := h.deps.Ledger.Registry.ConfigureBankAccount(r.Context(), chi.URLParam(r, "accountID"), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, account)
}

func (h *handlers) updateBankAccount(w http.ResponseWriter, r *http.Request) {
	var req ledger.BankAccount
	if !decode(w, r, &req) {
		return
	}
	account, err := h.deps.Ledger.Registry.UpdateBankAccount(r.Context(), chi.URLParam(r, "accountID"), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, account)
}

func (h *handlers) availableBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	balance, err := h.deps.Ledger.Segregations.AvailableBalance(r.Context(), accountID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, balanceResponse{AccountID: accountID, Balance: balance})
}

// Transfers

func (h *handlers) transferFunds(w http.ResponseWriter, r *http.Request) {
	var req ledger.TransferRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := h.deps.Ledger.Transfers.TransferFunds(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	status := http.StatusCreated
	if tx.Status == ledger.TransactionStatusRequiresApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, r, status, tx)
}

func (h *handlers) deposit(w http.ResponseWriter, r *http.Request) {
	var req ledger.ExternalTransferRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := h.deps.Ledger.Transfers.Deposit(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, tx)
}

func (h *handlers) withdraw(w http.ResponseWriter, r *http.Request) {
	var req ledger.ExternalTransferRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := h.deps.Ledger.Transfers.Withdraw(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, tx)
}

func (h *handlers) getTransfer(w http.ResponseWriter, r *http.Request) {
	tx, err := h.deps.Ledger.Transfers.GetTransfer(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tx)
}

func (h *handlers) approveTransfer(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := h.deps.Ledger.Transfers.ApproveTransfer(r.Context(), chi.URLParam(r, "transactionID"), req.ApprovedBy)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tx)
}

func (h *handlers) rejectTransfer(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !decode(w, r, &req) {
		return
	}
	tx, err := h.deps.Ledger.Transfers.RejectTransfer(r.Context(), chi.URLParam(r, "transactionID"), req.Reason)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tx)
}

func (h *handlers) getAccountTransfers(w http.ResponseWriter, r *http.Request) {
	q := newQueryParser(r)
	filter := ledger.TransferFilter{
		FromDate:        q.timeParam("from"),
		ToDate:          q.timeParam("to"),
		Status:          ledger.TransactionStatus(q.get("status")),
		TransactionType: ledger.TransactionType(q.get("transaction_type")),
		Limit:           q.intParam("limit"),
		Offset:          q.intParam("offset"),
	}
	if q.err != nil {
		writeError(w, r, h.logger, q.err)
		return
	}
	page, err := h.deps.Ledger.Transfers.GetAccountTransfers(r.Context(), chi.URLParam(r, "accountID"), filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

// Segregations

func (h *handlers) createSegregation(w http.ResponseWriter, r *http.Request) {
	var req ledger.CreateSegregationRequest
	if !decode(w, r, &req) {
		return
	}
	seg, err := h.deps.Ledger.Segregations.CreateSegregation(r.Context(), req)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, seg)
}

func (h *handlers) listSegregations(w http.ResponseWriter, r *http.Request) {
	q := newQueryParser(r)
	segs, err := h.deps.Ledger.Segregations.GetFundSegregations(r.Context(), q.get("tenant_id"), ledger.SegregationFilter{
		AccountID:       q.get("account_id"),
		SegregationType: q.get("segregation_type"),
		Status:          ledger.SegregationStatus(q.get("status")),
		Currency:        q.get("currency"),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"segregations": segs})
}

func (h *handlers) getSegregation(w http.ResponseWriter, r *http.Request) {
	seg, err := h.deps.Ledger.Segregations.GetFundSegregation(r.Context(), chi.URLParam(r, "segregationID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, seg)
}

func (h *handlers) updateSegregationStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	seg, err := h.deps.Ledger.Segregations.UpdateFundSegregationStatus(r.Context(), chi.URLParam(r, "segregationID"), ledger.SegregationStatus(req.Status))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, seg)
}

func (h *handlers) releaseSegregation(w http.ResponseWriter, r *http.Request) {
	seg, err := h.deps.Ledger.Segregations.ReleaseSegregation(r.Context(), chi.URLParam(r, "segregationID"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, seg)
}

// Allocations

func pair(r *http.Request) (string, string) {
	return chi.URLParam(r, "exchangeID"), chi.URLParam(r, "asset")
}

func (h *handlers) listAllocations(w http.ResponseWriter, r *http.Request) {
	all, err := h.deps.Allocations.GetPlatformAllocations(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"allocations": all})
}

func (h *handlers) getAllocation(w http.ResponseWriter, r *http.Request) {
	exchangeID, asset := pair(r)
	a, err := h.deps.Allocations.RequirePlatformAllocation(r.Context(), exchangeID, asset)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

func (h *handlers) setPlatformBalance(w http.ResponseWriter, r *http.Request) {
	var req platformBalanceRequest
	if !decode(w, r, &req) {
		return
	}
	exchangeID, asset := pair(r)
	a, err := h.deps.Allocations.SetPlatformBalance(r.Context(), exchangeID, asset, req.Total)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

func (h *handlers) availableAllocation(w http.ResponseWriter, r *http.Request) {
	exchangeID, asset := pair(r)
	q := newQueryParser(r)
	balance, err := h.deps.Allocations.GetAvailableBalance(r.Context(), exchangeID, asset, q.get("broker_id"), q.get("customer_id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, balanceResponse{Balance: balance})
}

// Allocation mutations keep their boolean outcome; a refusal is a 200 with
// success=false, the reason is in the service log.
func (h *handlers) allocateFunds(w http.ResponseWriter, r *http.Request) {
	var req allocateFundsRequest
	if !decode(w, r, &req) {
		return
	}
	exchangeID, asset := pair(r)
	ok := h.deps.Allocations.AllocateFunds(r.Context(), exchangeID, asset, req.BrokerID, req.CustomerID, req.Amount)
	writeJSON(w, r, http.StatusOK, allocationResult{Success: ok})
}

func (h *handlers) deallocateFunds(w http.ResponseWriter, r *http.Request) {
	var req allocateFundsRequest
	if !decode(w, r, &req) {
		return
	}
	exchangeID, asset := pair(r)
	ok := h.deps.Allocations.DeallocateFunds(r.Context(), exchangeID, asset, req.BrokerID, req.CustomerID, req.Amount)
	writeJSON(w, r, http.StatusOK, allocationResult{Success: ok})
}

func (h *handlers) allocateToBroker(w http.ResponseWriter, r *http.Request) {
	var req brokerAllocationRequest
	if !decode(w, r, &req) {
		return
	}
	exchangeID, asset := pair(r)
	ok := h.deps.Allocations.AllocateToBroker(r.Context(), exchangeID, asset, chi.URLParam(r, "brokerID"), req.Amount)
	writeJSON(w, r, http.StatusOK, allocationResult{Success: ok})
}

func (h *handlers) deallocateFromBroker(w http.ResponseWriter, r *http.Request) {
	var req brokerAllocationRequest
	if !decode(w, r, &req) {
		return
	}
	exchangeID, asset := pair(r)
	ok := h.deps.Allocations.DeallocateFromBroker(r.Context(), exchangeID, asset, chi.URLParam(r, "brokerID"), req.Amount)
	writeJSON(w, r, http.StatusOK, allocationResult{Success: ok})
}

// Reconciliation

func (h *handlers) platformReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.deps.Reconciliation.GetPlatformAssetReconciliation(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

func (h *handlers) reconcilePair(w http.ResponseWriter, r *http.Request) {
	exchangeID, asset := pair(r)
	entry, err := h.deps.Reconciliation.ReconcilePair(r.Context(), exchangeID, asset)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, entry)
}

func (h *handlers) reconcile(w http.ResponseWriter, r *http.Request) {
	run, err := h.deps.Reconciliation.Reconcile(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

func (h *handlers) generateProof(w http.ResponseWriter, r *http.Request) {
	var req proofRequest
	if !decode(w, r, &req) {
		return
	}
	snap, err := h.deps.Reconciliation.GenerateProofOfReserves(r.Context(), req.ExchangeID, req.Asset, req.ExchangeBalance, req.InternalTotal)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, snap)
}

func (h *handlers) listSnapshots(w http.ResponseWriter, r *http.Request) {
	q := newQueryParser(r)
	filter := reconciliation.SnapshotFilter{
		ExchangeID: q.get("exchange_id"),
		Asset:      q.get("asset"),
		Status:     reconciliation.Status(q.get("status")),
		From:       q.timeParam("from"),
		To:         q.timeParam("to"),
		Limit:      q.intParam("limit"),
	}
	if q.err != nil {
		writeError(w, r, h.logger, q.err)
		return
	}
	snaps, err := h.deps.Reconciliation.ListSnapshots(r.Context(), filter)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (h *handlers) verifySnapshots(w http.ResponseWriter, r *http.Request) {
	result, err := h.deps.Reconciliation.VerifySnapshots(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}
