// Package observability exposes Prometheus metrics for the HTTP surface
// and the evaluation-cache maintenance paths.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the application's Prometheus metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	recomputeRoles  prometheus.Counter
	recomputeRows   *prometheus.CounterVec
	teamEdges       *prometheus.CounterVec
	driftRolesFound prometheus.Counter
}

// NewMetrics initializes the registry and the base metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trellis_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trellis_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	recomputeRoles := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trellis_cache_recompute_roles_total",
		Help: "Object roles whose evaluation cache was recomputed.",
	})
	recomputeRows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trellis_cache_recompute_rows_total",
		Help: "Evaluation cache rows written or removed during recomputation.",
	}, []string{"op"})
	teamEdges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trellis_team_graph_edges_total",
		Help: "Team graph edges added or removed by rebuilds.",
	}, []string{"op"})
	driftRoles := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trellis_cache_drift_roles_total",
		Help: "Object roles found drifted by the cache audit.",
	})
	registry.MustRegister(requests, duration, recomputeRoles, recomputeRows, teamEdges, driftRoles)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		recomputeRoles:  recomputeRoles,
		recomputeRows:   recomputeRows,
		teamEdges:       teamEdges,
		driftRolesFound: driftRoles,
	}
}

// ObserveRecompute records one cache recomputation batch.
func (m *Metrics) ObserveRecompute(roles, added, removed int) {
	if m == nil {
		return
	}
	m.recomputeRoles.Add(float64(roles))
	m.recomputeRows.WithLabelValues("add").Add(float64(added))
	m.recomputeRows.WithLabelValues("remove").Add(float64(removed))
}

// ObserveTeamRebuild records the edge delta of one team graph rebuild.
func (m *Metrics) ObserveTeamRebuild(edgesAdded, edgesRemoved int) {
	if m == nil {
		return
	}
	m.teamEdges.WithLabelValues("add").Add(float64(edgesAdded))
	m.teamEdges.WithLabelValues("remove").Add(float64(edgesRemoved))
}

// ObserveDrift records the drifted role count of one audit sweep.
func (m *Metrics) ObserveDrift(roles int) {
	if m == nil {
		return
	}
	m.driftRolesFound.Add(float64(roles))
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
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

// Registerer exposes the registry for custom metric registration.
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
