// Package metrics defines the Prometheus metrics exported by kioskwatch.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kioskwatch"

// Metrics holds all Prometheus metrics for kioskwatch.
// Pass to components that need to record metrics; a nil *Metrics is valid
// and records nothing.
type Metrics struct {
	HeartbeatsTotal     *prometheus.CounterVec
	SessionsTransitions *prometheus.CounterVec
	ReconcileRuns       *prometheus.CounterVec
	ReconcileDuration   *prometheus.HistogramVec
	ReconcileAffected   *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge
	StaleSessions       prometheus.Gauge
	PresenceSubscribers prometheus.Gauge
	HTTPRequests        *prometheus.CounterVec
	RateLimited         prometheus.Counter
}

// New creates and registers all metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		HeartbeatsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_total",
				Help:      "Heartbeat writes by outcome",
			},
			[]string{"result"}, // result=ok/error/skipped
		),
		SessionsTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Session state transitions by target state and reason",
			},
			[]string{"to", "reason"},
		),
		ReconcileRuns: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_runs_total",
				Help:      "Reconciliation job runs by job and outcome",
			},
			[]string{"job", "result"}, // job=disconnect_stale/purge, result=ok/error
		),
		ReconcileDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Reconciliation job duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		ReconcileAffected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_affected_total",
				Help:      "Session records changed by reconciliation jobs",
			},
			[]string{"job"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Active sessions at the last stats collection",
			},
		),
		StaleSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "stale_sessions",
				Help:      "Active sessions past the disconnect threshold at the last stats collection",
			},
		),
		PresenceSubscribers: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "presence_subscribers",
				Help:      "Open dashboard presence connections",
			},
		),
		HTTPRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		RateLimited: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeat_rate_limited_total",
				Help:      "Heartbeat requests rejected by the per-kiosk rate limiter",
			},
		),
	}
}

// Heartbeat records one heartbeat outcome.
func (m *Metrics) Heartbeat(result string) {
	if m == nil {
		return
	}
	m.HeartbeatsTotal.WithLabelValues(result).Inc()
}

// Transition records n sessions moving to state for reason.
func (m *Metrics) Transition(to, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsTransitions.WithLabelValues(to, reason).Add(float64(n))
}

// ReconcileRun records one job run.
func (m *Metrics) ReconcileRun(job string, seconds float64, affected int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ReconcileRuns.WithLabelValues(job, result).Inc()
	m.ReconcileDuration.WithLabelValues(job).Observe(seconds)
	if affected > 0 {
		m.ReconcileAffected.WithLabelValues(job).Add(float64(affected))
	}
}

// SessionGauges sets the active and stale gauges.
func (m *Metrics) SessionGauges(active, stale int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(active))
	m.StaleSessions.Set(float64(stale))
}

// SubscriberDelta adjusts the open presence connection gauge.
func (m *Metrics) SubscriberDelta(delta int) {
	if m == nil {
		return
	}
	m.PresenceSubscribers.Add(float64(delta))
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(route, code string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, code).Inc()
}

// RateLimit records one rejected heartbeat.
func (m *Metrics) RateLimit() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}
