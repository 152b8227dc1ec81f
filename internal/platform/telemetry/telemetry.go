// Package telemetry holds the Prometheus instruments for the intake portal:
// HTTP server metrics, database and storage router health, mirror write
// outcomes and circuit breaker state. Instruments register with the default
// registry and are served by Handler at /metrics.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP server
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_server_active_requests",
			Help: "Number of HTTP requests currently in flight",
		},
	)

	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_server_response_size_bytes",
			Help:    "Size of HTTP responses in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 7),
		},
		[]string{"route"},
	)

	// Database router
	DBBackendHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "db_backend_healthy",
			Help: "Database backend health (1=healthy, 0=unhealthy)",
		},
		[]string{"backend"}, // "primary", "backup"
	)

	DBBackendFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "db_backend_consecutive_failures",
			Help: "Consecutive failed probes or writes per database backend",
		},
		[]string{"backend"},
	)

	DBWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_router_writes_total",
			Help: "Writes issued through the database router",
		},
		[]string{"backend", "mode", "result"}, // mode: "primary", "fallback", "mirror", "sync"
	)

	DBFailovers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_router_failovers_total",
			Help: "Times the router switched reads from the primary to the backup database",
		},
	)

	// Storage router
	StorageBackendHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storage_backend_healthy",
			Help: "Blob storage backend health (1=healthy, 0=unhealthy)",
		},
		[]string{"backend"}, // "gcs", "s3"
	)

	StorageOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_operations_total",
			Help: "Blob storage operations by backend and outcome",
		},
		[]string{"backend", "operation", "result"},
	)

	StorageFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_failovers_total",
			Help: "Blob storage operations retried on the secondary backend",
		},
		[]string{"operation"},
	)

	// Circuit breakers
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

// BoolGauge converts a health flag into a gauge value.
func BoolGauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

// Middleware returns an Echo middleware that records HTTP server metrics.
// The route label uses the registered path pattern so that ids do not
// explode label cardinality.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			HTTPActiveRequests.Inc()
			start := time.Now()

			err := next(c)

			HTTPActiveRequests.Dec()
			if err != nil {
				// Let echo write the error so the status below is final.
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			resp := c.Response()
			HTTPRequestDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(resp.Status)).
				Observe(time.Since(start).Seconds())
			if resp.Size > 0 {
				HTTPResponseSize.WithLabelValues(route).Observe(float64(resp.Size))
			}
			return nil
		}
	}
}

// Handler serves the default registry in Prometheus text format.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}
