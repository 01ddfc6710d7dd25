// Package metrics exposes Prometheus instrumentation for the edge
// connection server on a registry private to each Collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the edge connection server.
type Collector struct {
	Registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	sessionDuration  prometheus.Histogram
	framesReceived   *prometheus.CounterVec
	framesSent       *prometheus.CounterVec
	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	txTransitions    *prometheus.CounterVec
	txErrorRejects   prometheus.Counter
	backendErrors    *prometheus.CounterVec
	compilerDuration prometheus.Histogram
	backendDuration  prometheus.Histogram
}

// New creates and registers all Prometheus metrics on an independent
// registry. Safe to call multiple times (tests, config reload).
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgecore_sessions_active",
			Help: "Number of currently connected edge sessions",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgecore_sessions_total",
			Help: "Total edge sessions accepted",
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgecore_session_duration_seconds",
			Help:    "Duration of an edge session from connect to disconnect",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 18),
		}),
		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgecore_frames_received_total",
				Help: "Frames received from clients by type",
			},
			[]string{"type"},
		),
		framesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgecore_frames_sent_total",
				Help: "Frames sent to clients by type",
			},
			[]string{"type"},
		),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgecore_query_cache_hits_total",
			Help: "Compiled-query cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgecore_query_cache_misses_total",
			Help: "Compiled-query cache misses",
		}),
		txTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgecore_tx_status_transitions_total",
				Help: "Transaction status machine transitions",
			},
			[]string{"from", "to"},
		),
		txErrorRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edgecore_in_tx_error_rejections_total",
			Help: "Units rejected with InTxErrorRejection",
		}),
		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edgecore_backend_errors_total",
				Help: "Backend driver errors by class",
			},
			[]string{"class"},
		),
		compilerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgecore_compiler_call_duration_seconds",
			Help:    "Duration of compiler client calls",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		backendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgecore_backend_call_duration_seconds",
			Help:    "Duration of backend driver calls",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
	}

	reg.MustRegister(
		c.sessionsActive,
		c.sessionsTotal,
		c.sessionDuration,
		c.framesReceived,
		c.framesSent,
		c.cacheHits,
		c.cacheMisses,
		c.txTransitions,
		c.txErrorRejects,
		c.backendErrors,
		c.compilerDuration,
		c.backendDuration,
	)

	return c
}

// SessionStarted records a new session's arrival.
func (c *Collector) SessionStarted() {
	c.sessionsTotal.Inc()
	c.sessionsActive.Inc()
}

// SessionEnded records a session's departure and lifetime.
func (c *Collector) SessionEnded(d time.Duration) {
	c.sessionsActive.Dec()
	c.sessionDuration.Observe(d.Seconds())
}

// FrameReceived records an inbound frame by its type tag.
func (c *Collector) FrameReceived(typ byte) {
	c.framesReceived.WithLabelValues(string(typ)).Inc()
}

// FrameSent records an outbound frame by its type tag.
func (c *Collector) FrameSent(typ byte) {
	c.framesSent.WithLabelValues(string(typ)).Inc()
}

// CacheLookup records a compiled-query cache lookup's outcome.
func (c *Collector) CacheLookup(hit bool) {
	if hit {
		c.cacheHits.Inc()
		return
	}
	c.cacheMisses.Inc()
}

// TxTransition records a transaction status machine transition.
func (c *Collector) TxTransition(from, to string) {
	c.txTransitions.WithLabelValues(from, to).Inc()
}

// InTxErrorRejection records a unit rejected while in InTxError.
func (c *Collector) InTxErrorRejection() {
	c.txErrorRejects.Inc()
}

// BackendError records a backend driver error by class (e.g. "parse",
// "execute", "sync").
func (c *Collector) BackendError(class string) {
	c.backendErrors.WithLabelValues(class).Inc()
}

// CompilerCallDuration observes a compiler client call's duration.
func (c *Collector) CompilerCallDuration(d time.Duration) {
	c.compilerDuration.Observe(d.Seconds())
}

// BackendCallDuration observes a backend driver call's duration.
func (c *Collector) BackendCallDuration(d time.Duration) {
	c.backendDuration.Observe(d.Seconds())
}
