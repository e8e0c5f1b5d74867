package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrogate_connections_total",
			Help: "Total number of connections accepted",
		},
		[]string{"protocol"},
	)

	ConnectionsCurrent = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retrogate_connections_current",
			Help: "Current number of open connections",
		},
		[]string{"protocol"},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrogate_connections_rejected_total",
			Help: "Connections closed right after accept because the listener was at its limit",
		},
		[]string{"protocol"},
	)

	ConnectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retrogate_connection_duration_seconds",
			Help:    "Duration of connections in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	// ConnectionsAborted counts connections torn down because the handler
	// returned no response.
	ConnectionsAborted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrogate_connections_aborted_total",
			Help: "Connections closed because the protocol handler produced no response",
		},
		[]string{"protocol"},
	)
)

// TLS interception metrics
var (
	TLSInterceptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrogate_tls_interceptions_total",
			Help: "TLS handshakes attempted on intercepted connections",
		},
		[]string{"protocol", "preamble"},
	)

	TLSHandshakeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrogate_tls_handshake_failures_total",
			Help: "Failed server-side TLS handshakes",
		},
		[]string{"protocol"},
	)
)

// Handler metrics
var (
	HandlerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrogate_handler_panics_total",
			Help: "Recovered panics in protocol handlers",
		},
		[]string{"protocol"},
	)

	POP3Commands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrogate_pop3_commands_total",
			Help: "POP3 commands processed",
		},
		[]string{"command", "status"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrogate_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"protocol", "result"},
	)

	TunnelRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrogate_tunnel_requests_total",
			Help: "Tunnel requests by outcome",
		},
		[]string{"outcome"}, // invalid, cache_hit, handled, unhandled, failed, decode_error
	)

	TunnelHandlerResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrogate_tunnel_handler_results_total",
			Help: "Tunnel handler chain results per handler",
		},
		[]string{"handler", "result"}, // hit, pass, error
	)

	SOCKSGreetings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrogate_socks_greetings_total",
			Help: "SOCKS greetings seen, by offered authentication method",
		},
		[]string{"method"},
	)
)

// Cache metrics
var (
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrogate_cache_operations_total",
			Help: "TTL cache operations",
		},
		[]string{"operation", "result"}, // get/hit, get/miss, get/error, set/ok, set/error
	)
)

// Upstream metrics
var (
	UpstreamFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retrogate_upstream_fetch_duration_seconds",
			Help:    "Duration of upstream fetches",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"upstream", "operation"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrogate_upstream_errors_total",
			Help: "Upstream fetch errors",
		},
		[]string{"upstream", "operation"},
	)

	UpstreamBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retrogate_upstream_breaker_state",
			Help: "Circuit breaker state per upstream host (0=closed, 1=half_open, 2=open)",
		},
		[]string{"upstream", "host"},
	)

	CleanupRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrogate_cleanup_removed_total",
			Help: "Rows removed by the cleanup worker",
		},
		[]string{"kind"},
	)

	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retrogate_component_health_status",
			Help: "Component health (1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retrogate_component_health_check_duration_seconds",
			Help:    "Duration of component health checks",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)

	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrogate_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrogate_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)
)
