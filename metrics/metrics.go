package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the agent pipeline.
type Metrics struct {
	// Task metrics
	TasksTotal   *prometheus.CounterVec
	TaskDuration *prometheus.HistogramVec

	// Tool metrics
	ToolInvocations *prometheus.CounterVec

	// Generation metrics
	GenerationRequests *prometheus.CounterVec
	GenerationErrors   *prometheus.CounterVec
	GenerationLatency  *prometheus.HistogramVec

	// Learning metrics
	PatternsLearned prometheus.Counter
	PatternUpdates  *prometheus.CounterVec

	PipelineRuns  *prometheus.CounterVec
	PipelineState *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New registers every collector on reg. A nil reg gets a fresh registry, so
// several orchestrators in one process (tests) never collide.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		TasksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentforge_tasks_total",
				Help: "Subtasks executed by the coder, by result",
			},
			[]string{"result"},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentforge_task_duration_seconds",
				Help:    "Wall time of one subtask from execution to evaluation",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to 256s
			},
			[]string{"result"},
		),
		ToolInvocations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentforge_tool_invocations_total",
				Help: "Capability invocations through the gateway",
			},
			[]string{"tool", "result"},
		),
		GenerationRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentforge_generation_requests_total",
				Help: "Requests sent to the generation backend",
			},
			[]string{"role", "mode"},
		),
		GenerationErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentforge_generation_errors_total",
				Help: "Failed generation requests",
			},
			[]string{"role"},
		),
		GenerationLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentforge_generation_latency_seconds",
				Help:    "Latency of complete generation requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role"},
		),
		PatternsLearned: f.NewCounter(
			prometheus.CounterOpts{
				Name: "agentforge_patterns_learned_total",
				Help: "Patterns extracted from successful tasks",
			},
		),
		PatternUpdates: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentforge_pattern_updates_total",
				Help: "Outcome observations applied to stored patterns",
			},
			[]string{"success"},
		),
		PipelineRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentforge_pipeline_runs_total",
				Help: "Orchestrator runs by result",
			},
			[]string{"result"},
		),
		PipelineState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentforge_pipeline_state",
				Help: "1 for the orchestrator's current state, 0 otherwise",
			},
			[]string{"state"},
		),
		registry: reg,
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordTask records one subtask outcome. Safe on a nil receiver.
func (m *Metrics) RecordTask(success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.TasksTotal.WithLabelValues(result(success)).Inc()
	m.TaskDuration.WithLabelValues(result(success)).Observe(d.Seconds())
}

func (m *Metrics) RecordTool(tool string, success bool) {
	if m == nil {
		return
	}
	m.ToolInvocations.WithLabelValues(tool, result(success)).Inc()
}

// RecordGeneration records a generation request; mode is "generate" or
// "stream".
func (m *Metrics) RecordGeneration(role, mode string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.GenerationRequests.WithLabelValues(role, mode).Inc()
	if err != nil {
		m.GenerationErrors.WithLabelValues(role).Inc()
		return
	}
	m.GenerationLatency.WithLabelValues(role).Observe(d.Seconds())
}

func (m *Metrics) RecordPatternsLearned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PatternsLearned.Add(float64(n))
}

func (m *Metrics) RecordPatternUpdate(success bool) {
	if m == nil {
		return
	}
	if success {
		m.PatternUpdates.WithLabelValues("true").Inc()
	} else {
		m.PatternUpdates.WithLabelValues("false").Inc()
	}
}

func (m *Metrics) RecordRun(err error) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(result(err == nil)).Inc()
}

// SetState flips the state gauge so exactly one of states reads 1.
func (m *Metrics) SetState(current string, states []string) {
	if m == nil {
		return
	}
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		m.PipelineState.WithLabelValues(s).Set(v)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
