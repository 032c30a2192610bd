// Package api exposes the ledger core over JSON HTTP.
package api

import (
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/example/tiered-ledger/internal/allocation"
	"github.com/example/tiered-ledger/internal/ledger"
	"github.com/example/tiered-ledger/internal/metrics"
	"github.com/example/tiered-ledger/internal/reconciliation"
	"github.com/example/tiered-ledger/internal/security"
)

type Dependencies struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector

	Ledger         *ledger.Ledger
	Allocations    *allocation.Tracker
	Reconciliation *reconciliation.Engine

	Auditor     Auditor
	RateLimiter *security.RedisTokenBucket
	// AdminAllowlist guards the routes that write proofs or trigger reconciliation.
	AdminAllowlist []*net.IPNet
}

type validators struct {
	createAccount     *security.JSONSchemaValidator
	bankAccount       *security.JSONSchemaValidator
	accountStatus     *security.JSONSchemaValidator
	transfer          *security.JSONSchemaValidator
	external          *security.JSONSchemaValidator
	approve           *security.JSONSchemaValidator
	reject            *security.JSONSchemaValidator
	createSegregation *security.JSONSchemaValidator
	segregationStatus *security.JSONSchemaValidator
	platformBalance   *security.JSONSchemaValidator
	allocateFunds     *security.JSONSchemaValidator
	brokerAllocation  *security.JSONSchemaValidator
	proof             *security.JSONSchemaValidator
}

func compileValidators() (*validators, error) {
	v := &validators{}
	for _, s := range []struct {
		dst    **security.JSONSchemaValidator
		schema string
	}{
		{&v.createAccount, createAccountSchema},
		{&v.bankAccount, bankAccountSchema},
		{&v.accountStatus, accountStatusSchema},
		{&v.transfer, transferSchema},
		{&v.external, externalTransferSchema},
		{&v.approve, approveSchema},
		{&v.reject, rejectSchema},
		{&v.createSegregation, createSegregationSchema},
		{&v.segregationStatus, segregationStatusSchema},
		{&v.platformBalance, platformBalanceSchema},
		{&v.allocateFunds, allocateFundsSchema},
		{&v.brokerAllocation, brokerAllocationSchema},
		{&v.proof, proofSchema},
	} {
		compiled, err := security.NewJSONSchemaValidator(s.schema)
		if err != nil {
			return nil, err
		}
		*s.dst = compiled
	}
	return v, nil
}

// NewRouter creates the HTTP handler for the ledger API.
func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Logger = deps.Logger.Named("http")

	v, err := compileValidators()
	if err != nil {
		return nil, err
	}
	h := &handlers{deps: deps, logger: deps.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(security.CorrelationID)
	r.Use(RequestLogger(deps.Logger, deps.Metrics))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(security.RateLimitMiddleware(deps.RateLimiter, security.ClientIP))
		}
		if deps.Auditor != nil {
			r.Use(AuditMiddleware(deps.Auditor, deps.Logger))
		}

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", h.listAccounts)
			r.With(v.createAccount.Middleware).Post("/platform", h.createAccount(ledger.AccountTypePlatformMaster))
			r.With(v.createAccount.Middleware).Post("/broker", h.createAccount(ledger.AccountTypeBrokerMaster))
			r.With(v.createAccount.Middleware).Post("/end-user", h.createAccount(ledger.AccountTypeEndUser))

			r.Route("/{accountID}", func(r chi.Router) {
				r.Get("/", h.getAccount)
				r.Get("/children", h.getChildren)
				r.Get("/transfers", h.getAccountTransfers)
				r.Get("/available-balance", h.availableBalance)
				r.With(v.accountStatus.Middleware).Put("/status", h.updateAccountStatus)
				r.With(v.bankAccount.Middleware).Post("/bank-account", h.configureBankAccount)
				r.With(v.bankAccount.Middleware).Put("/bank-account", h.updateBankAccount)
			})
		})

		r.Route("/tenants/{tenantID}", func(r chi.Router) {
			r.Get("/hierarchy", h.getHierarchy)
			r.Get("/validation", h.validateTenant)
		})

		r.With(v.transfer.Middleware).Post("/transfers", h.transferFunds)
		r.Get("/transfers/{transactionID}", h.getTransfer)
		r.With(v.approve.Middleware).Post("/transfers/{transactionID}/approve", h.approveTransfer)
		r.With(v.reject.Middleware).Post("/transfers/{transactionID}/reject", h.rejectTransfer)
		r.With(v.external.Middleware).Post("/deposits", h.deposit)
		r.With(v.external.Middleware).Post("/withdrawals", h.withdraw)

		r.Route("/segregations", func(r chi.Router) {
			r.Get("/", h.listSegregations)
			r.With(v.createSegregation.Middleware).Post("/", h.createSegregation)
			r.Get("/{segregationID}", h.getSegregation)
			r.With(v.segregationStatus.Middleware).Put("/{segregationID}/status", h.updateSegregationStatus)
			r.Post("/{segregationID}/release", h.releaseSegregation)
		})

		r.Route("/allocations", func(r chi.Router) {
			r.Get("/", h.listAllocations)
			r.Route("/{exchangeID}/{asset}", func(r chi.Router) {
				r.Get("/", h.getAllocation)
				r.With(v.platformBalance.Middleware).Put("/", h.setPlatformBalance)
				r.Get("/available", h.availableAllocation)
				r.With(v.allocateFunds.Middleware).Post("/allocate", h.allocateFunds)
				r.With(v.allocateFunds.Middleware).Post("/deallocate", h.deallocateFunds)
				r.With(v.brokerAllocation.Middleware).Post("/brokers/{brokerID}/allocate", h.allocateToBroker)
				r.With(v.brokerAllocation.Middleware).Post("/brokers/{brokerID}/deallocate", h.deallocateFromBroker)
			})
		})

		r.Route("/reconciliation", func(r chi.Router) {
			r.Get("/", h.platformReconciliation)
			r.Get("/pairs/{exchangeID}/{asset}", h.reconcilePair)
			r.Get("/snapshots", h.listSnapshots)
			r.Get("/snapshots/verify", h.verifySnapshots)

			r.Group(func(r chi.Router) {
				r.Use(security.IPAllowlist(deps.AdminAllowlist, deps.Logger))
				r.Post("/run", h.reconcile)
				r.With(v.proof.Middleware).Post("/proofs", h.generateProof)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r, nil
}
