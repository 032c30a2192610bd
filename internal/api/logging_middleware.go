package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/tiered-ledger/internal/metrics"
	"github.com/example/tiered-ledger/internal/security"
	"github.com/example/tiered-ledger/pkg/audit"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs one line per request and records the request metrics under
// the matched route pattern.
func RequestLogger(l *zap.Logger, m *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			dur := time.Since(start)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			m.RecordHTTPRequest(r.Method, route, strconv.Itoa(sw.status), dur)

			l.Info("http_request",
				zap.String("cid", security.CorrelationIDFromContext(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Int64("duration_ms", dur.Milliseconds()),
			)
		})
	}
}

// Auditor chains a record of every state-changing request.
type Auditor interface {
	Append(payload string) *audit.LogEntry
}

// AuditMiddleware appends mutating requests to the audit chain and logs the entry
// hash, so the request log can be checked against the chain.
func AuditMiddleware(a Auditor, l *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(sw, r)
			dur := time.Since(start)

			cid := security.CorrelationIDFromContext(r.Context())
			payload := fmt.Sprintf("cid=%s method=%s path=%s status=%d dur_ms=%d", cid, r.Method, r.URL.Path, sw.status, dur.Milliseconds())
			entry := a.Append(payload)
			l.Info("audit",
				zap.String("payload", payload),
				zap.String("hash", entry.Hash),
				zap.String("previous_hash", entry.PreviousHash),
				zap.String("signature", entry.Signature),
			)
		})
	}
}
