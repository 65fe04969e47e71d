package gateway

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the control plane's Prometheus instruments. They are
// registered against a dedicated registry (rather than the global default)
// so multiple gateway instances in a test binary never collide.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted prometheus.Counter
	messagesAppended prometheus.Counter
	toolCallsTotal   *prometheus.CounterVec
	compactionRuns   prometheus.Counter
	taskSpawns       prometheus.Counter
	httpRequests     *prometheus.CounterVec
}

// NewMetrics builds and registers the gateway's instruments.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rip", Subsystem: "gateway", Name: "sessions_started_total",
			Help: "Sessions started via PostMessage.",
		}),
		messagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rip", Subsystem: "gateway", Name: "messages_appended_total",
			Help: "continuity_message_appended frames recorded.",
		}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rip", Subsystem: "gateway", Name: "tool_calls_total",
			Help: "Tool invocations dispatched, labeled by outcome.",
		}, []string{"outcome"}),
		compactionRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rip", Subsystem: "gateway", Name: "compaction_runs_total",
			Help: "Summarizer jobs run, manual or automatic.",
		}),
		taskSpawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rip", Subsystem: "gateway", Name: "tasks_spawned_total",
			Help: "Background tasks spawned.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rip", Subsystem: "gateway", Name: "http_requests_total",
			Help: "Control-plane HTTP requests, labeled by route and status class.",
		}, []string{"route", "status_class"}),
	}
	reg.MustRegister(m.sessionsStarted, m.messagesAppended, m.toolCallsTotal, m.compactionRuns, m.taskSpawns, m.httpRequests)
	return m
}
