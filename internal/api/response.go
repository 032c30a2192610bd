package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/tiered-ledger/internal/errs"
	"github.com/example/tiered-ledger/internal/security"
)

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := security.CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(security.CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders a core error as {"error": kind, "message", "transaction_id"}.
// Internal errors keep their cause out of the response body.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	kind := errs.KindOf(err)
	resp := security.ErrorResponse{Error: string(kind)}

	var e *errs.Error
	if errors.As(err, &e) {
		resp.TransactionID = e.TransactionID
		if kind != errs.KindInternal {
			resp.Message = e.Message
		}
	}
	if kind == errs.KindInternal {
		logger.Error("request failed",
			zap.String("correlation_id", security.CorrelationIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	security.WriteErrorResponse(w, r, errs.HTTPStatus(kind), resp)
}

// decode reads a JSON body that already passed schema validation.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		security.WriteErrorResponse(w, r, http.StatusBadRequest, security.ErrorResponse{
			Error:   string(errs.KindValidation),
			Message: err.Error(),
		})
		return false
	}
	return true
}
