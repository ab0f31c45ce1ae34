// Package metrics defines the Prometheus instruments of the push service.
//
// Instruments are created per instance and registered on an injected
// prometheus.Registerer so tests can use a fresh registry each time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pushline"

// Outcome label values.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)

// Push holds every instrument used by the registry, dispatcher, background
// sweeps and the adapters around them.
type Push struct {
	// Registry
	ActiveConnections prometheus.Gauge
	Registrations     prometheus.Counter
	Removals          *prometheus.CounterVec

	// Dispatcher
	BroadcastsTotal   prometheus.Counter
	Deliveries        *prometheus.CounterVec
	DispatchDuration  prometheus.Histogram
	AuthRejections    prometheus.Counter
	ValidatorFailures prometheus.Counter

	// Sweeps
	ReaperSweeps    prometheus.Counter
	ReaperEvictions prometheus.Counter
	Heartbeats      *prometheus.CounterVec

	// Auth store
	AuthLookups      *prometheus.CounterVec
	AuthCircuitState prometheus.Gauge
	RedisOps         *prometheus.CounterVec
	RedisOpDuration  *prometheus.HistogramVec
	RedisDialErrors  prometheus.Counter

	// Audit database
	DBQueryDuration *prometheus.HistogramVec
	DBErrors        *prometheus.CounterVec

	// Audit
	AuditWrites        *prometheus.CounterVec
	AuditDropped       prometheus.Counter
	AuditQueueDepth    prometheus.Gauge
	AuditCircuitState  prometheus.Gauge
	ConnectionsLimited *prometheus.CounterVec
}

// NewPush creates and registers the push metrics on the given registry.
func NewPush(reg prometheus.Registerer) *Push {
	m := &Push{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_connections",
			Help:      "Number of live connections in the registry.",
		}),
		Registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Total number of connection registrations, replacements included.",
		}),
		Removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "removals_total",
			Help:      "Total number of connections removed from the registry by reason.",
		}, []string{"reason"}),

		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "broadcasts_total",
			Help:      "Total number of broadcast requests dispatched.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "deliveries_total",
			Help:      "Total number of per-connection deliveries by outcome.",
		}, []string{"outcome"}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent resolving and fanning out one broadcast.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, 1},
		}),
		AuthRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "auth_rejections_total",
			Help:      "Matched connections dropped by authentication validation.",
		}),
		ValidatorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "validator_errors_total",
			Help:      "Authentication validator calls that returned an error.",
		}),

		ReaperSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "sweeps_total",
			Help:      "Total number of TTL sweeps run.",
		}),
		ReaperEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "evictions_total",
			Help:      "Total number of expired connections evicted.",
		}),
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "heartbeat",
			Name:      "events_total",
			Help:      "Heartbeat pushes by outcome.",
		}, []string{"outcome"}),

		AuthLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "lookups_total",
			Help:      "Credential store lookups by result.",
		}, []string{"result"}),
		AuthCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "circuit_state",
			Help:      "Credential store circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		AuditWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "writes_total",
			Help:      "Audit store writes by record kind and status.",
		}, []string{"record", "status"}),
		AuditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Audit records dropped because the queue was full or closed.",
		}),
		AuditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "queue_depth",
			Help:      "Audit records waiting to be written.",
		}),
		AuditCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "circuit_state",
			Help:      "Audit store circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		RedisOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operations_total",
			Help:      "Redis commands by name and status.",
		}, []string{"command", "status"}),
		RedisOpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Redis command latency.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"command"}),
		RedisDialErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redis",
			Name:      "dial_errors_total",
			Help:      "Failed attempts to open a Redis connection.",
		}),
		DBQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Audit database query latency by statement kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"statement"}),
		DBErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "errors_total",
			Help:      "Failed audit database queries by statement kind.",
		}, []string{"statement"}),
		ConnectionsLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "connections_limited_total",
			Help:      "Connection attempts rejected by limit reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.ActiveConnections, m.Registrations, m.Removals,
		m.BroadcastsTotal, m.Deliveries, m.DispatchDuration, m.AuthRejections, m.ValidatorFailures,
		m.ReaperSweeps, m.ReaperEvictions, m.Heartbeats,
		m.AuthLookups, m.AuthCircuitState, m.RedisOps, m.RedisOpDuration, m.RedisDialErrors,
		m.DBQueryDuration, m.DBErrors,
		m.AuditWrites, m.AuditDropped, m.AuditQueueDepth, m.AuditCircuitState, m.ConnectionsLimited,
	)
	return m
}

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// NewNop returns instruments bound to a throwaway registry.
func NewNop() *Push {
	return NewPush(prometheus.NewRegistry())
}
