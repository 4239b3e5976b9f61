package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Permission metrics
	PermissionResolveTotal    *prometheus.CounterVec
	PermissionResolveDuration *prometheus.HistogramVec
	PermissionCacheTotal      *prometheus.CounterVec
	AccessDecisionsTotal      *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iotaccess_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "iotaccess_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		PermissionResolveTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iotaccess_permission_resolve_total",
				Help: "Total number of permission set resolutions",
			},
			[]string{"kind", "result"},
		),
		PermissionResolveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "iotaccess_permission_resolve_duration_seconds",
				Help:    "Permission set resolution duration in seconds",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"kind"},
		),
		PermissionCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iotaccess_permission_cache_total",
				Help: "Permission set cache lookups by outcome",
			},
			[]string{"outcome"},
		),
		AccessDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "iotaccess_access_decisions_total",
				Help: "Access guard decisions by check and outcome",
			},
			[]string{"check", "decision"},
		),
		DBConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iotaccess_db_connections_open",
			Help: "Number of open database connections",
		}),
		DBConnectionsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "iotaccess_db_connections_in_use",
			Help: "Number of database connections in use",
		}),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionResolveTotal,
		m.PermissionResolveDuration,
		m.PermissionCacheTotal,
		m.AccessDecisionsTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
	)

	return m
}

// RecordPermissionResolve records one resolution of a principal of the given kind
func (m *Metrics) RecordPermissionResolve(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.PermissionResolveTotal.WithLabelValues(kind, result).Inc()
	m.PermissionResolveDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordPermissionCache records a cache hit or miss
func (m *Metrics) RecordPermissionCache(hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.PermissionCacheTotal.WithLabelValues(outcome).Inc()
}

// RecordAccessDecision records the outcome of an access check
func (m *Metrics) RecordAccessDecision(check string, allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.AccessDecisionsTotal.WithLabelValues(check, decision).Inc()
}

// RecordDBStats copies connection pool figures into the gauges
func (m *Metrics) RecordDBStats(open, inUse int) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(open))
	m.DBConnectionsInUse.Set(float64(inUse))
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. routeName maps a request to
// a low-cardinality label; when nil the URL path is used.
func HTTPMetricsMiddleware(metrics *Metrics, routeName func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if routeName != nil {
				route = routeName(r)
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
