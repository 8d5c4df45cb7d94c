package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for pgpooler.
type Collector struct {
	Registry *prometheus.Registry

	clActive  *prometheus.GaugeVec
	clWaiting *prometheus.GaugeVec
	svActive  *prometheus.GaugeVec
	svIdle    *prometheus.GaugeVec
	svUsed    *prometheus.GaugeVec
	svTested  *prometheus.GaugeVec

	queryDuration *prometheus.HistogramVec
	databaseHealth *prometheus.GaugeVec
	poolExhausted *prometheus.CounterVec

	healthCheckDuration *prometheus.HistogramVec
	healthCheckErrors   *prometheus.CounterVec

	transactionsTotal      *prometheus.CounterVec
	transactionDuration    *prometheus.HistogramVec
	acquireDuration        *prometheus.HistogramVec
	preparedCacheHits      *prometheus.CounterVec
	preparedCacheEvictions *prometheus.CounterVec
	serverResetsTotal      *prometheus.CounterVec
	dirtyDisconnects       *prometheus.CounterVec
	cancelRequestsTotal    *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g., in tests or on config reload) — each call
// creates an independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		clActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgpooler_cl_active",
				Help: "Clients currently linked to a server (CL_ACTIVE)",
			},
			[]string{"database", "user"},
		),
		clWaiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgpooler_cl_waiting",
				Help: "Clients waiting for a server (CL_WAITING)",
			},
			[]string{"database", "user"},
		),
		svActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgpooler_sv_active",
				Help: "Servers linked to a client (SV_ACTIVE)",
			},
			[]string{"database", "user"},
		),
		svIdle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgpooler_sv_idle",
				Help: "Servers idle in the pool (SV_IDLE)",
			},
			[]string{"database", "user"},
		),
		svUsed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgpooler_sv_used",
				Help: "Servers used at least once, awaiting a reset query (SV_USED)",
			},
			[]string{"database", "user"},
		),
		svTested: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgpooler_sv_tested",
				Help: "Servers under a server_check_query probe (SV_TESTED)",
			},
			[]string{"database", "user"},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgpooler_query_duration_seconds",
				Help:    "Duration of queries forwarded to a backend",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"database"},
		),
		databaseHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pgpooler_database_health",
				Help: "Health status of a routed database (1=healthy, 0=unhealthy)",
			},
			[]string{"database"},
		),
		poolExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgpooler_pool_exhausted_total",
				Help: "Times a client hit query_wait_timeout waiting for a server",
			},
			[]string{"database"},
		),

		healthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgpooler_health_check_duration_seconds",
				Help:    "Duration of health check probes",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"database", "status"},
		),
		healthCheckErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgpooler_health_check_errors_total",
				Help: "Health check errors by type",
			},
			[]string{"database", "error_type"},
		),

		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgpooler_transactions_total",
				Help: "Total completed transactions (transaction-mode pooling)",
			},
			[]string{"database"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgpooler_transaction_duration_seconds",
				Help:    "Duration from link to release per transaction",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"database"},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgpooler_acquire_duration_seconds",
				Help:    "Time a client spent in CL_WAITING before being linked",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
			},
			[]string{"database"},
		),
		preparedCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgpooler_prepared_cache_total",
				Help: "Prepared-statement server cache lookups by result",
			},
			[]string{"database", "result"}, // result: hit, miss
		),
		preparedCacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgpooler_prepared_cache_evictions_total",
				Help: "Prepared-statement server cache LRU evictions",
			},
			[]string{"database"},
		),
		serverResetsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgpooler_server_resets_total",
				Help: "server_reset_query results when releasing a server",
			},
			[]string{"database", "status"},
		),
		dirtyDisconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgpooler_dirty_disconnects_total",
				Help: "Client disconnects mid-transaction requiring server close",
			},
			[]string{"database"},
		),
		cancelRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgpooler_cancel_requests_total",
				Help: "CancelRequest packets forwarded to a backend",
			},
			[]string{"database"},
		),
	}

	reg.MustRegister(
		c.clActive,
		c.clWaiting,
		c.svActive,
		c.svIdle,
		c.svUsed,
		c.svTested,
		c.queryDuration,
		c.databaseHealth,
		c.poolExhausted,
		c.healthCheckDuration,
		c.healthCheckErrors,
		c.transactionsTotal,
		c.transactionDuration,
		c.acquireDuration,
		c.preparedCacheHits,
		c.preparedCacheEvictions,
		c.serverResetsTotal,
		c.dirtyDisconnects,
		c.cancelRequestsTotal,
	)

	return c
}

// QueryDuration observes a forwarded query's duration.
func (c *Collector) QueryDuration(database string, d time.Duration) {
	c.queryDuration.WithLabelValues(database).Observe(d.Seconds())
}

// SetDatabaseHealth sets the health gauge for a database.
func (c *Collector) SetDatabaseHealth(database string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.databaseHealth.WithLabelValues(database).Set(val)
}

// PoolExhausted increments the pool exhausted counter.
func (c *Collector) PoolExhausted(database string) {
	c.poolExhausted.WithLabelValues(database).Inc()
}

// UpdatePoolStats updates the six per-list gauge metrics (cl_active,
// cl_waiting, sv_active, sv_idle, sv_used, sv_tested) for a (database,
// user) pool from a snapshot of its list lengths.
func (c *Collector) UpdatePoolStats(database, user string, clActive, clWaiting, svActive, svIdle, svUsed, svTested int) {
	c.clActive.WithLabelValues(database, user).Set(float64(clActive))
	c.clWaiting.WithLabelValues(database, user).Set(float64(clWaiting))
	c.svActive.WithLabelValues(database, user).Set(float64(svActive))
	c.svIdle.WithLabelValues(database, user).Set(float64(svIdle))
	c.svUsed.WithLabelValues(database, user).Set(float64(svUsed))
	c.svTested.WithLabelValues(database, user).Set(float64(svTested))
}

// HealthCheckCompleted records a health check probe duration and result.
func (c *Collector) HealthCheckCompleted(database string, d time.Duration, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	c.healthCheckDuration.WithLabelValues(database, status).Observe(d.Seconds())
}

// HealthCheckError records a health check error by type.
func (c *Collector) HealthCheckError(database, errorType string) {
	c.healthCheckErrors.WithLabelValues(database, errorType).Inc()
}

// TransactionCompleted records a completed transaction and its duration.
func (c *Collector) TransactionCompleted(database string, d time.Duration) {
	c.transactionsTotal.WithLabelValues(database).Inc()
	c.transactionDuration.WithLabelValues(database).Observe(d.Seconds())
}

// AcquireDuration observes the time a client spent in CL_WAITING.
func (c *Collector) AcquireDuration(database string, d time.Duration) {
	c.acquireDuration.WithLabelValues(database).Observe(d.Seconds())
}

// PreparedCacheResult records a server-side prepared-statement cache lookup.
func (c *Collector) PreparedCacheResult(database string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.preparedCacheHits.WithLabelValues(database, result).Inc()
}

// PreparedCacheEviction records an LRU eviction from the server cache.
func (c *Collector) PreparedCacheEviction(database string) {
	c.preparedCacheEvictions.WithLabelValues(database).Inc()
}

// ServerReset records a server_reset_query result (success or failure).
func (c *Collector) ServerReset(database string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.serverResetsTotal.WithLabelValues(database, status).Inc()
}

// DirtyDisconnect increments the dirty disconnect counter.
func (c *Collector) DirtyDisconnect(database string) {
	c.dirtyDisconnects.WithLabelValues(database).Inc()
}

// CancelRequestForwarded increments the cancel-request counter.
func (c *Collector) CancelRequestForwarded(database string) {
	c.cancelRequestsTotal.WithLabelValues(database).Inc()
}

// RemoveDatabase removes all metrics for a database (used when a database is dropped through the REST API or a config reload).
func (c *Collector) RemoveDatabase(database string) {
	c.clActive.DeletePartialMatch(prometheus.Labels{"database": database})
	c.clWaiting.DeletePartialMatch(prometheus.Labels{"database": database})
	c.svActive.DeletePartialMatch(prometheus.Labels{"database": database})
	c.svIdle.DeletePartialMatch(prometheus.Labels{"database": database})
	c.svUsed.DeletePartialMatch(prometheus.Labels{"database": database})
	c.svTested.DeletePartialMatch(prometheus.Labels{"database": database})
	c.databaseHealth.DeleteLabelValues(database)
	c.poolExhausted.DeleteLabelValues(database)
	c.healthCheckDuration.DeletePartialMatch(prometheus.Labels{"database": database})
	c.healthCheckErrors.DeletePartialMatch(prometheus.Labels{"database": database})
	c.transactionsTotal.DeleteLabelValues(database)
	c.transactionDuration.DeletePartialMatch(prometheus.Labels{"database": database})
	c.acquireDuration.DeletePartialMatch(prometheus.Labels{"database": database})
	c.preparedCacheHits.DeletePartialMatch(prometheus.Labels{"database": database})
	c.preparedCacheEvictions.DeleteLabelValues(database)
	c.serverResetsTotal.DeletePartialMatch(prometheus.Labels{"database": database})
	c.dirtyDisconnects.DeleteLabelValues(database)
	c.cancelRequestsTotal.DeleteLabelValues(database)
}
