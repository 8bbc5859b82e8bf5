package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cashucloak/internal/poller"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	workflowsTotal   *prometheus.CounterVec
	pollSessions     prometheus.Gauge
	pollAttempts     *prometheus.HistogramVec
	idempotencyHits  prometheus.Counter
	liveHTTPSessions prometheus.Gauge
}

var _ poller.Observer = (*metricsRegistry)(nil)

func newMetricsRegistry() *metricsRegistry {
	workflows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cashucloak_workflows_total",
		Help: "Finished controller workflows by operation and outcome",
	}, []string{"operation", "outcome"})

	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cashucloak_poll_sessions_active",
		Help: "Settlement poll sessions currently running",
	})

	attempts := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cashucloak_poll_attempts",
		Help:    "Predicate evaluations per finished poll session",
		Buckets: []float64{1, 2, 3, 5, 10, 20, 40, 60},
	}, []string{"outcome"})

	hits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cashucloak_idempotency_replays_total",
		Help: "Responses served from the idempotency store",
	})

	live := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cashucloak_api_sessions",
		Help: "Background API sessions held in memory",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(workflows, sessions, attempts, hits, live)

	return &metricsRegistry{
		registry:         r,
		workflowsTotal:   workflows,
		pollSessions:     sessions,
		pollAttempts:     attempts,
		idempotencyHits:  hits,
		liveHTTPSessions: live,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incWorkflow(operation, outcome string) {
	m.workflowsTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *metricsRegistry) incReplay() {
	m.idempotencyHits.Inc()
}

func (m *metricsRegistry) setSessions(n int) {
	m.liveHTTPSessions.Set(float64(n))
}

func (m *metricsRegistry) PollStarted() {
	m.pollSessions.Inc()
}

func (m *metricsRegistry) PollFinished(r poller.Result) {
	m.pollSessions.Dec()
	m.pollAttempts.WithLabelValues(r.Outcome.String()).Observe(float64(r.Attempts))
}
