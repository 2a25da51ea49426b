// Package metrics registers every collector the proxy exposes. The registry
// is pull-style: the telemetry collaborator gathers it; nothing here pushes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks the live-session gauge maintained by the
	// session manager.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_sessions",
		Help: "Number of currently active sessions",
	})

	// SessionsTotal counts every session ever created.
	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_total",
		Help: "Total sessions created",
	})

	// SessionsRejectedTotal counts sessions rejected by the ACL.
	SessionsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_rejected_total",
		Help: "Total sessions rejected by ACL policy",
	})

	// SessionDuration observes closed-session duration in seconds.
	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "session_duration_seconds",
		Help:    "Session duration from creation to close",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	})

	// BytesSentTotal counts client-to-upstream bytes across all sessions.
	BytesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bytes_sent_total",
		Help: "Total bytes relayed client to upstream",
	})

	// BytesReceivedTotal counts upstream-to-client bytes across all sessions.
	BytesReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bytes_received_total",
		Help: "Total bytes relayed upstream to client",
	})

	// UserSessionsTotal counts sessions per principal.
	UserSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "user_sessions_total",
		Help: "Total sessions per user",
	}, []string{"user"})

	// UserBandwidthBytesTotal counts relayed bytes per principal and direction.
	UserBandwidthBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "user_bandwidth_bytes_total",
		Help: "Total relayed bytes per user and direction",
	}, []string{"user", "direction"})

	// QosActiveUsers tracks how many principals are in the QoS active set.
	QosActiveUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qos_active_users",
		Help: "Users currently considered active by the QoS rebalancer",
	})

	// QosBandwidthAllocatedBytesTotal counts bytes granted by the QoS engine.
	QosBandwidthAllocatedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qos_bandwidth_allocated_bytes_total",
		Help: "Total bytes granted by the QoS token buckets",
	}, []string{"user", "direction"})

	// QosAllocationWait observes how long allocate callers are told to wait.
	QosAllocationWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qos_allocation_wait_seconds",
		Help:    "Wait durations returned by QoS allocations",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	// PoolHitsTotal counts acquires satisfied from the idle pool.
	PoolHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_hits_total",
		Help: "Pooled connection acquires satisfied from idle entries",
	})

	// PoolMissesTotal counts acquires that had to dial.
	PoolMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_misses_total",
		Help: "Pooled connection acquires that established a new connection",
	})

	// PoolIdle tracks the total idle entries retained by the pool.
	PoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pool_idle",
		Help: "Idle connections currently retained by the pool",
	})
)

// Gatherer is the pull endpoint for the telemetry collaborator; it gathers
// the default registry the collectors above registered themselves with.
var Gatherer prometheus.Gatherer = prometheus.DefaultGatherer
