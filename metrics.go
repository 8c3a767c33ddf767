package pullbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics of commands and sandbox layers.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	CommandsTotal     *prometheus.CounterVec
	CommandDuration   *prometheus.HistogramVec
	DegradedIsolation *prometheus.CounterVec
	SandboxApplied    prometheus.Counter
}

// NewMetrics creates the metrics and registers them on reg.
// Returns nil if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pullbox",
			Name:      "commands_total",
			Help:      "Total commands launched, by launch mode and final state.",
		}, []string{"mode", "state"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pullbox",
			Name:      "command_duration_seconds",
			Help:      "Wall-clock duration of launched commands in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 600},
		}, []string{"mode"}),
		DegradedIsolation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pullbox",
			Name:      "degraded_isolation_total",
			Help:      "Commands that ran with weaker isolation than requested.",
		}, []string{"reason"}),
		SandboxApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pullbox",
			Name:      "sandbox_applied_total",
			Help:      "Landlock layers installed on this process.",
		}),
	}

	reg.MustRegister(
		m.CommandsTotal,
		m.CommandDuration,
		m.DegradedIsolation,
		m.SandboxApplied,
	)

	return m
}

func (m *Metrics) commandFinished(mode string, state ProcessState, d time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(mode, state.String()).Inc()
	m.CommandDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) degraded(reason string) {
	if m == nil {
		return
	}
	m.DegradedIsolation.WithLabelValues(reason).Inc()
}

func (m *Metrics) sandboxApplied() {
	if m == nil {
		return
	}
	m.SandboxApplied.Inc()
}
