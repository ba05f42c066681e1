package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for mysqlpoold.
type Collector struct {
	Registry           *prometheus.Registry
	connectionsActive  *prometheus.GaugeVec
	connectionsIdle    *prometheus.GaugeVec
	connectionsTotal   *prometheus.GaugeVec
	connectionsWaiting *prometheus.GaugeVec
	acquireDuration    *prometheus.HistogramVec
	endpointHealth     *prometheus.GaugeVec
	poolExhausted      *prometheus.CounterVec

	handshakeDuration *prometheus.HistogramVec
	authFailures      *prometheus.CounterVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	stmtCacheEvictions *prometheus.CounterVec
	connResets         *prometheus.CounterVec
	cleanupRollbacks   *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests or on config reload) — each
// call creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlpoold_connections_active",
				Help: "Number of active connections per endpoint",
			},
			[]string{"endpoint"},
		),
		connectionsIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlpoold_connections_idle",
				Help: "Number of idle connections per endpoint",
			},
			[]string{"endpoint"},
		),
		connectionsTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlpoold_connections_total",
				Help: "Total number of connections per endpoint",
			},
			[]string{"endpoint"},
		),
		connectionsWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlpoold_connections_waiting",
				Help: "Number of goroutines waiting for a connection per endpoint",
			},
			[]string{"endpoint"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlpoold_acquire_duration_seconds",
				Help:    "Time waiting for pool.Acquire()",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"endpoint"},
		),
		endpointHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mysqlpoold_endpoint_health",
				Help: "Health status of an upstream endpoint (1=healthy, 0=unhealthy)",
			},
			[]string{"endpoint"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlpoold_pool_exhausted_total",
				Help: "Total number of times the pool was exhausted per endpoint",
			},
			[]string{"endpoint"},
		),

		handshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlpoold_handshake_duration_seconds",
				Help:    "Duration of the connection-phase handshake and authentication",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"endpoint"},
		),
		authFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlpoold_auth_failures_total",
				Help: "Authentication failures by reason",
			},
			[]string{"endpoint", "reason"},
		),

		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mysqlpoold_health_check_duration_seconds",
				Help:    "Duration of health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"endpoint", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlpoold_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"endpoint", "error_type"},
		),

		stmtCacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlpoold_stmt_cache_evictions_total",
				Help: "Prepared statement cache evictions (each issues a COM_STMT_CLOSE)",
			},
			[]string{"endpoint"},
		),
		connResets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlpoold_conn_resets_total",
				Help: "Connection reset events by method",
			},
			[]string{"endpoint", "method"},
		),
		cleanupRollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mysqlpoold_cleanup_rollbacks_total",
				Help: "Transactions rolled back by cleanup-for-reuse at Return time",
			},
			[]string{"endpoint"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsIdle,
		c.connectionsTotal,
		c.connectionsWaiting,
		c.acquireDuration,
		c.endpointHealth,
		c.poolExhausted,
		c.handshakeDuration,
		c.authFailures,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.stmtCacheEvictions,
		c.connResets,
		c.cleanupRollbacks,
	)

	return c
}

// UpdatePoolStats updates the pool gauge metrics from stats.
func (c *Collector) UpdatePoolStats(endpoint string, active, idle, total, waiting int) {
	c.connectionsActive.WithLabelValues(endpoint).Set(float64(active))
	c.connectionsIdle.WithLabelValues(endpoint).Set(float64(idle))
	c.connectionsTotal.WithLabelValues(endpoint).Set(float64(total))
	c.connectionsWaiting.WithLabelValues(endpoint).Set(float64(waiting))
}

// AcquireDuration observes the time spent waiting for a pool connection.
func (c *Collector) AcquireDuration(endpoint string, d time.Duration) {
	c.acquireDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// SetEndpointHealth sets the health gauge for an endpoint.
func (c *Collector) SetEndpointHealth(endpoint string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.endpointHealth.WithLabelValues(endpoint).Set(val)
}

// PoolExhausted increments the pool exhausted counter.
func (c *Collector) PoolExhausted(endpoint string) {
	c.poolExhausted.WithLabelValues(endpoint).Inc()
}

// HandshakeCompleted records a successful connection-phase duration.
func (c *Collector) HandshakeCompleted(endpoint string, d time.Duration) {
	c.handshakeDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// AuthFailure records an authentication failure by reason
// (e.g. "unknown_plugin", "server_error", "rsa_exchange").
func (c *Collector) AuthFailure(endpoint, reason string) {
	c.authFailures.WithLabelValues(endpoint, reason).Inc()
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(endpoint string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(endpoint, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(endpoint, errorType string) {
	c.healthCheckErrors.WithLabelValues(endpoint, errorType).Inc()
}

// StmtCacheEviction increments the statement cache eviction counter.
func (c *Collector) StmtCacheEviction(endpoint string) {
	c.stmtCacheEvictions.WithLabelValues(endpoint).Inc()
}

// ConnReset records a reset event by method ("com_reset_connection" or "reconnect").
func (c *Collector) ConnReset(endpoint, method string) {
	c.connResets.WithLabelValues(endpoint, method).Inc()
}

// CleanupRollback increments the cleanup-for-reuse rollback counter.
func (c *Collector) CleanupRollback(endpoint string) {
	c.cleanupRollbacks.WithLabelValues(endpoint).Inc()
}

// RemoveEndpoint removes all metrics for an endpoint.
func (c *Collector) RemoveEndpoint(endpoint string) {
	c.connectionsActive.DeleteLabelValues(endpoint)
	c.connectionsIdle.DeleteLabelValues(endpoint)
	c.connectionsTotal.DeleteLabelValues(endpoint)
	c.connectionsWaiting.DeleteLabelValues(endpoint)
	c.endpointHealth.DeleteLabelValues(endpoint)
	c.poolExhausted.DeleteLabelValues(endpoint)
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.handshakeDuration.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.authFailures.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.stmtCacheEvictions.DeleteLabelValues(endpoint)
	c.connResets.DeletePartialMatch(prometheus.Labels{"endpoint": endpoint})
	c.cleanupRollbacks.DeleteLabelValues(endpoint)
}
