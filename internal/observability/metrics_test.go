package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

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
	metrics.ObserveRecompute(2, 5, 1)

	body := scrape(t, metrics)
	if !strings.Contains(body, "trellis_cache_recompute_roles_total 2") {
		t.Fatalf("expected recompute counter, got: %s", body)
	}
	if !strings.Contains(body, `trellis_cache_recompute_rows_total{op="add"} 5`) {
		t.Fatalf("expected recompute row counter, got: %s", body)
	}
}

func TestCacheMaintenanceCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveTeamRebuild(3, 1)
	metrics.ObserveDrift(4)

	body := scrape(t, metrics)
	if !strings.Contains(body, `trellis_team_graph_edges_total{op="add"} 3`) {
		t.Fatalf("expected team edge counter, got: %s", body)
	}
	if !strings.Contains(body, `trellis_team_graph_edges_total{op="remove"} 1`) {
		t.Fatalf("expected team edge removal counter, got: %s", body)
	}
	if !strings.Contains(body, "trellis_cache_drift_roles_total 4") {
		t.Fatalf("expected drift counter, got: %s", body)
	}

	// Nil receivers are silent no-ops so callers skip the nil checks.
	var none *Metrics
	none.ObserveRecompute(1, 1, 1)
	none.ObserveTeamRebuild(1, 1)
	none.ObserveDrift(1)
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

	body := scrape(t, metrics)
	if !strings.Contains(body, `trellis_http_requests_total{code="418",route="/test"} 1`) {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
	if !strings.Contains(body, `trellis_http_request_duration_seconds_bucket{route="/test"`) {
		t.Fatalf("expected duration histogram to be present, got: %s", body)
	}
}
