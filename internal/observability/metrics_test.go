package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveJob("stock:reconcile", nil)
	metrics.ObserveJob("stock:reconcile", errors.New("boom"))

	body := scrape(t, metrics)
	if !strings.Contains(body, `odyssey_jobs_total{status="ok",task="stock:reconcile"} 1`) {
		t.Fatalf("expected ok job run, got: %s", body)
	}
	if !strings.Contains(body, `odyssey_jobs_total{status="error",task="stock:reconcile"} 1`) {
		t.Fatalf("expected failed job run, got: %s", body)
	}
	if !strings.Contains(body, "odyssey_stock_reconcile_mismatch_total 0") {
		t.Fatalf("expected mismatch counter, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsBody := scrape(t, metrics)
	if !strings.Contains(metricsBody, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}

func TestDomainRecorders(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveStockOperation("reserve", "OK", 3*time.Millisecond)
	metrics.ObserveStockOperation("reserve", "INSUFFICIENT_STOCK", time.Millisecond)
	metrics.ObserveReconcileMismatch(2)
	metrics.ObserveReconcileMismatch(0)
	metrics.ObserveOrderCode("allocated")

	body := scrape(t, metrics)
	for _, want := range []string{
		`odyssey_stock_operations_total{code="OK",op="reserve"} 1`,
		`odyssey_stock_operations_total{code="INSUFFICIENT_STOCK",op="reserve"} 1`,
		`odyssey_stock_operation_duration_seconds_count{op="reserve"} 2`,
		"odyssey_stock_reconcile_mismatch_total 2",
		`odyssey_order_codes_total{outcome="allocated"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics, got: %s", want, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveStockOperation("reserve", "OK", time.Millisecond)
	metrics.ObserveReconcileMismatch(1)
	metrics.ObserveOrderCode("allocated")
	metrics.ObserveJob("x", nil)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}
