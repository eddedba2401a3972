// Package observability exposes Prometheus metrics for HTTP traffic, stock
// operations and order codes.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	stockOps          *prometheus.CounterVec
	stockOpDuration   *prometheus.HistogramVec
	reconcileMismatch prometheus.Counter
	orderCodes        *prometheus.CounterVec
	jobsTotal         *prometheus.CounterVec
}

// NewMetrics initialises the registry and every collector.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	stockOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_stock_operations_total",
		Help: "Stock engine operations by outcome code.",
	}, []string{"op", "code"})
	stockOpDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_stock_operation_duration_seconds",
		Help:    "Stock engine operation latency including lock waits.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"op"})
	mismatch := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_stock_reconcile_mismatch_total",
		Help: "Variants whose ledger replay disagreed with the balance.",
	})
	orderCodes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_order_codes_total",
		Help: "Readable order id outcomes.",
	}, []string{"outcome"})
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_total",
		Help: "Background job runs by task type and status.",
	}, []string{"task", "status"})
	registry.MustRegister(requests, duration, stockOps, stockOpDuration, mismatch, orderCodes, jobs)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		stockOps:          stockOps,
		stockOpDuration:   stockOpDuration,
		reconcileMismatch: mismatch,
		orderCodes:        orderCodes,
		jobsTotal:         jobs,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveStockOperation counts an engine operation and its latency.
func (m *Metrics) ObserveStockOperation(op, code string, took time.Duration) {
	if m == nil {
		return
	}
	m.stockOps.WithLabelValues(op, code).Inc()
	m.stockOpDuration.WithLabelValues(op).Observe(took.Seconds())
}

// ObserveReconcileMismatch adds n inconsistent variants.
func (m *Metrics) ObserveReconcileMismatch(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcileMismatch.Add(float64(n))
}

// ObserveOrderCode counts a readable id outcome.
func (m *Metrics) ObserveOrderCode(outcome string) {
	if m == nil {
		return
	}
	m.orderCodes.WithLabelValues(outcome).Inc()
}

// ObserveJob counts a background job run.
func (m *Metrics) ObserveJob(task string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.jobsTotal.WithLabelValues(task, status).Inc()
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
