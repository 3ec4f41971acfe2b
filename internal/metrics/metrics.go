package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for test runs. A nil *Metrics is
// valid and records nothing.
//
//   - verifier_runs_total{mode,result}
//   - verifier_submodule_verdicts_total{verdict}
//   - verifier_submodule_duration_seconds
//   - verifier_agent_steps_total
//   - verifier_browser_sessions_active
//   - verifier_telemetry_failures_total
type Metrics struct {
	RunsTotal              *prometheus.CounterVec
	SubmoduleVerdictsTotal *prometheus.CounterVec
	SubmoduleDuration      prometheus.Histogram
	AgentStepsTotal        prometheus.Counter
	ActiveSessions         prometheus.Gauge
	TelemetryFailuresTotal prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verifier_runs_total",
				Help: "Total number of test runs by dispatch mode and result",
			},
			[]string{"mode", "result"},
		),
		SubmoduleVerdictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verifier_submodule_verdicts_total",
				Help: "Total number of submodule verdicts",
			},
			[]string{"verdict"}, // "approved", "rejected" or "error"
		),
		SubmoduleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "verifier_submodule_duration_seconds",
				Help:    "Wall-clock duration of one submodule agent run",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		AgentStepsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "verifier_agent_steps_total",
				Help: "Total number of agent steps executed",
			},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "verifier_browser_sessions_active",
				Help: "Number of remote browser sessions currently held",
			},
		),
		TelemetryFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "verifier_telemetry_failures_total",
				Help: "Total number of step telemetry deliveries that failed",
			},
		),
	}
}

func (m *Metrics) RunFinished(mode string, result string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) SubmoduleFinished(verdict string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SubmoduleVerdictsTotal.WithLabelValues(verdict).Inc()
	m.SubmoduleDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) AgentStep() {
	if m == nil {
		return
	}
	m.AgentStepsTotal.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) TelemetryFailed() {
	if m == nil {
		return
	}
	m.TelemetryFailuresTotal.Inc()
}

// Handler serves the collectors registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
