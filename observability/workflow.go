package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkflowMetrics records state machine activity for the funding workflows.
type WorkflowMetrics struct {
	transitions   *prometheus.CounterVec
	calls         *prometheus.CounterVec
	callLatency   *prometheus.HistogramVec
	winnerPayouts *prometheus.CounterVec
	sessions      *prometheus.GaugeVec
}

var (
	workflowMetricsOnce sync.Once
	workflowRegistry    *WorkflowMetrics
)

// Workflow returns the lazily-initialised workflow metrics registry.
func Workflow() *WorkflowMetrics {
	workflowMetricsOnce.Do(func() {
		workflowRegistry = &WorkflowMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundflow",
				Subsystem: "workflow",
				Name:      "transitions_total",
				Help:      "State transitions segmented by workflow and edge.",
			}, []string{"workflow", "from", "to"}),
			calls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundflow",
				Subsystem: "collaborator",
				Name:      "calls_total",
				Help:      "Collaborator calls segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			callLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "fundflow",
				Subsystem: "collaborator",
				Name:      "call_duration_seconds",
				Help:      "Latency of collaborator calls. Signing includes operator think time.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			}, []string{"op"}),
			winnerPayouts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "fundflow",
				Subsystem: "publication",
				Name:      "winner_milestones_total",
				Help:      "Per-winner milestone submissions segmented by outcome.",
			}, []string{"outcome"}),
			sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "fundflow",
				Subsystem: "workflow",
				Name:      "open_sessions",
				Help:      "Workflow sessions currently held in memory.",
			}, []string{"workflow"}),
		}
		prometheus.MustRegister(
			workflowRegistry.transitions,
			workflowRegistry.calls,
			workflowRegistry.callLatency,
			workflowRegistry.winnerPayouts,
			workflowRegistry.sessions,
		)
	})
	return workflowRegistry
}

// RecordTransition counts a state change.
func (m *WorkflowMetrics) RecordTransition(workflow, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(label(workflow), label(from), label(to)).Inc()
}

// ObserveCall records a collaborator call. outcome is "success" or the
// failure kind.
func (m *WorkflowMetrics) ObserveCall(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(label(op), label(outcome)).Inc()
	m.callLatency.WithLabelValues(label(op)).Observe(d.Seconds())
}

// RecordWinnerMilestone counts one winner's milestone outcome.
func (m *WorkflowMetrics) RecordWinnerMilestone(outcome string) {
	if m == nil {
		return
	}
	m.winnerPayouts.WithLabelValues(label(outcome)).Inc()
}

// SetSessions reports the number of open sessions for a workflow.
func (m *WorkflowMetrics) SetSessions(workflow string, n int) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(label(workflow)).Set(float64(n))
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
