package authz

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's prometheus collectors. All record methods are
// nil-safe so instrumentation can stay unconditional in the hot path.
type Metrics struct {
	decisions       *prometheus.CounterVec
	evalDuration    prometheus.Histogram
	resolveDuration prometheus.Histogram
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	storeErrors     prometheus.Counter
	auditDropped    prometheus.Counter
}

// NewMetrics registers the engine collectors on reg and returns them.
// Passing prometheus.DefaultRegisterer is the common choice.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "authz",
			Name:      "decisions_total",
			Help:      "Authorization decisions by effect.",
		}, []string{"effect"}),
		evalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "authz",
			Name:      "evaluation_duration_seconds",
			Help:      "Policy evaluation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		resolveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "authz",
			Name:      "permission_resolve_duration_seconds",
			Help:      "Permission resolution latency on cache misses.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authz",
			Name:      "permission_cache_hits_total",
			Help:      "Permission cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authz",
			Name:      "permission_cache_misses_total",
			Help:      "Permission cache misses.",
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authz",
			Name:      "store_errors_total",
			Help:      "Failures reaching role, policy or assignment stores.",
		}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "authz",
			Name:      "audit_dropped_total",
			Help:      "Audit entries dropped because the sink queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.decisions,
			m.evalDuration,
			m.resolveDuration,
			m.cacheHits,
			m.cacheMisses,
			m.storeErrors,
			m.auditDropped,
		)
	}
	return m
}

func (m *Metrics) observeDecision(allowed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	effect := "deny"
	if allowed {
		effect = "allow"
	}
	m.decisions.WithLabelValues(effect).Inc()
	m.evalDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeResolve(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.resolveDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) permissionCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) permissionCacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) storeError() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}

func (m *Metrics) auditDrop() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
}
