package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ledger"

// Collector owns a private registry so several collectors can coexist in tests.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	transfersTotal        *prometheus.CounterVec
	transferDuration      prometheus.Histogram
	segregationViolations prometheus.Counter
	allocationOps         *prometheus.CounterVec
	reconciliationStatus  *prometheus.CounterVec
	reconciliationDiff    *prometheus.GaugeVec
	reconciliationLastRun prometheus.Gauge
	exchangeFetches       *prometheus.CounterVec
	exchangeFetchDuration *prometheus.HistogramVec
	httpRequests          *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
}

// NewCollector registers every ledger metric on a private registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	f := promauto.With(registry)

	return &Collector{
		registry: registry,
		transfersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Transfers by final status and type",
		}, []string{"status", "type"}),
		transferDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Time spent executing a transfer including lock wait",
			Buckets:   prometheus.DefBuckets,
		}),
		segregationViolations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segregation_violations_total",
			Help:      "Segregation requests rejected for exceeding available balance",
		}),
		allocationOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_operations_total",
			Help:      "Platform allocation operations by operation and result",
		}, []string{"operation", "result"}),
		reconciliationStatus: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliation_entries_total",
			Help:      "Reconciliation entries by exchange, asset and status",
		}, []string{"exchange", "asset", "status"}),
		reconciliationDiff: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciliation_difference",
			Help:      "Exchange balance minus internal allocation total",
		}, []string{"exchange", "asset"}),
		reconciliationLastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciliation_last_run_timestamp_seconds",
			Help:      "Unix time of the last completed reconciliation run",
		}),
		exchangeFetches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchange_balance_fetches_total",
			Help:      "Exchange balance fetches by exchange and result",
		}, []string{"exchange", "result"}),
		exchangeFetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_balance_fetch_duration_seconds",
			Help:      "Latency of exchange balance fetches",
			Buckets:   prometheus.DefBuckets,
		}, []string{"exchange"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (c *Collector) RecordTransfer(status, txType string, d time.Duration) {
	if c == nil {
		return
	}
	c.transfersTotal.WithLabelValues(status, txType).Inc()
	c.transferDuration.Observe(d.Seconds())
}

func (c *Collector) RecordSegregationViolation() {
	if c == nil {
		return
	}
	c.segregationViolations.Inc()
}

func (c *Collector) RecordAllocation(operation, result string) {
	if c == nil {
		return
	}
	c.allocationOps.WithLabelValues(operation, result).Inc()
}

func (c *Collector) RecordReconciliation(exchange, asset, status string, difference float64) {
	if c == nil {
		return
	}
	c.reconciliationStatus.WithLabelValues(exchange, asset, status).Inc()
	c.reconciliationDiff.WithLabelValues(exchange, asset).Set(difference)
}

func (c *Collector) MarkReconciliationRun(at time.Time) {
	if c == nil {
		return
	}
	c.reconciliationLastRun.Set(float64(at.Unix()))
}

func (c *Collector) RecordExchangeFetch(exchange string, ok bool, d time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.exchangeFetches.WithLabelValues(exchange, result).Inc()
	c.exchangeFetchDuration.WithLabelValues(exchange).Observe(d.Seconds())
}

func (c *Collector) RecordHTTPRequest(method, route, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, route, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
