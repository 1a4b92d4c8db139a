// Package metrics exposes Prometheus collectors for the agent loop.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "warden"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	steps            *prometheus.CounterVec
	toolCalls        *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	approvals        *prometheus.CounterVec
	modelRetries     *prometheus.CounterVec
	tokens           *prometheus.CounterVec
	checkpointWrites *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	tasksActive      prometheus.Gauge
}

// MustNew registers the collectors with reg and panics on a registration
// error, the way promauto does.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "steps_total",
			Help:      "Steps run by the step loop, by how the step ended.",
		}, []string{"outcome"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "tool_calls_total",
			Help:      "Tool calls dispatched, by tool and result status.",
		}, []string{"tool", "status"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "tool_call_duration_seconds",
			Help:      "Wall time of tool calls including approval waits.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"tool"}),
		approvals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Approval decisions, by outcome and decider.",
		}, []string{"outcome", "by"}),
		modelRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "retries_total",
			Help:      "Model requests retried after a transient error.",
		}, []string{"provider"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "tokens_total",
			Help:      "Tokens reported by the model, by direction.",
		}, []string{"direction"}),
		checkpointWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkpoint",
			Name:      "writes_total",
			Help:      "Checkpoint writes, by result.",
		}, []string{"result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "task_duration_seconds",
			Help:      "Duration of tasks from start to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"status"}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "loop",
			Name:      "tasks_active",
			Help:      "Tasks currently running.",
		}),
	}
	reg.MustRegister(
		m.steps, m.toolCalls, m.toolDuration, m.approvals, m.modelRetries,
		m.tokens, m.checkpointWrites, m.taskDuration, m.tasksActive,
	)
	return m
}

// ObserveStep counts one finished step.
func (m *Metrics) ObserveStep(outcome string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(outcome).Inc()
}

// ObserveToolCall records a dispatched call.
func (m *Metrics) ObserveToolCall(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveApproval records an approval decision.
func (m *Metrics) ObserveApproval(approved bool, by string) {
	if m == nil {
		return
	}
	outcome := "denied"
	if approved {
		outcome = "approved"
	}
	m.approvals.WithLabelValues(outcome, by).Inc()
}

func (m *Metrics) IncModelRetry(provider string) {
	if m == nil {
		return
	}
	m.modelRetries.WithLabelValues(provider).Inc()
}

// AddTokens adds one response's usage.
func (m *Metrics) AddTokens(input, output int) {
	if m == nil {
		return
	}
	if input > 0 {
		m.tokens.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		m.tokens.WithLabelValues("output").Add(float64(output))
	}
}

// ObserveCheckpointWrite counts a checkpoint write and whether it failed.
func (m *Metrics) ObserveCheckpointWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.checkpointWrites.WithLabelValues(result).Inc()
}

// TaskStarted marks a task as running.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.tasksActive.Inc()
}

// TaskFinished records a task reaching a terminal status.
func (m *Metrics) TaskFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksActive.Dec()
	m.taskDuration.WithLabelValues(status).Observe(d.Seconds())
}
