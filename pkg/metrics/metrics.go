package metrics

import (
	"net/http"
	"time"
)

// Collector records the coordination metrics. Unknown metric names and
// mismatched label sets are ignored.
type Collector interface {
	IncrementCounter(name string, labels map[string]string)
	AddCounter(name string, value float64, labels map[string]string)

	SetGauge(name string, value float64, labels map[string]string)
	AddGauge(name string, delta float64, labels map[string]string)

	ObserveHistogram(name string, value float64, labels map[string]string)
	ObserveDuration(name string, start time.Time, labels map[string]string)

	Register(metric Metric) error
	Handler() http.Handler
}

// Metric represents a metric definition
type Metric struct {
	Name    string
	Type    MetricType
	Help    string
	Labels  []string
	Buckets []float64 // For histograms
}

// MetricType represents the type of metric
type MetricType string

const (
	CounterType   MetricType = "counter"
	GaugeType     MetricType = "gauge"
	HistogramType MetricType = "histogram"
)

var taskBuckets = []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300}

// Coordinator metrics
var (
	TasksSubmitted = Metric{
		Name:   "agentcore_tasks_submitted_total",
		Type:   CounterType,
		Help:   "Total number of tasks accepted by the coordinator",
		Labels: []string{"task_type", "priority"},
	}

	TasksFinished = Metric{
		Name:   "agentcore_tasks_finished_total",
		Type:   CounterType,
		Help:   "Total number of tasks that reached a terminal state",
		Labels: []string{"task_type", "status"},
	}

	TaskRetries = Metric{
		Name:   "agentcore_task_retries_total",
		Type:   CounterType,
		Help:   "Total number of task retries, by cause",
		Labels: []string{"task_type", "reason"},
	}

	TaskDuration = Metric{
		Name:    "agentcore_task_duration_seconds",
		Type:    HistogramType,
		Help:    "Time from assignment to result",
		Labels:  []string{"task_type"},
		Buckets: taskBuckets,
	}

	QueueDepth = Metric{
		Name:   "agentcore_task_queue_depth",
		Type:   GaugeType,
		Help:   "Number of tasks waiting in the coordinator queue",
		Labels: []string{},
	}

	WorkflowExecutions = Metric{
		Name:   "agentcore_workflow_executions_total",
		Type:   CounterType,
		Help:   "Total number of finished workflow executions",
		Labels: []string{"workflow_id", "status"},
	}
)

// Directory and health metrics
var (
	RegisteredAgents = Metric{
		Name:   "agentcore_registered_agents",
		Type:   GaugeType,
		Help:   "Number of agents in the directory",
		Labels: []string{},
	}

	AgentEvictions = Metric{
		Name:   "agentcore_agent_evictions_total",
		Type:   CounterType,
		Help:   "Total number of agents evicted from the directory",
		Labels: []string{"reason"},
	}

	EnvelopesRouted = Metric{
		Name:   "agentcore_envelopes_routed_total",
		Type:   CounterType,
		Help:   "Total number of routing attempts, by outcome",
		Labels: []string{"kind", "outcome"},
	}

	AgentsByHealth = Metric{
		Name:   "agentcore_agents_by_health",
		Type:   GaugeType,
		Help:   "Number of monitored agents per health level",
		Labels: []string{"level"},
	}

	HealthAlerts = Metric{
		Name:   "agentcore_health_alerts_total",
		Type:   CounterType,
		Help:   "Total number of alerts raised by the health monitor",
		Labels: []string{"severity"},
	}
)

// Agent shell metrics
var (
	ShellTasks = Metric{
		Name:   "agentcore_shell_tasks_total",
		Type:   CounterType,
		Help:   "Total number of assignments handled by agent shells",
		Labels: []string{"agent_id", "outcome"},
	}

	ShellTaskDuration = Metric{
		Name:    "agentcore_shell_task_duration_seconds",
		Type:    HistogramType,
		Help:    "Executor run time",
		Labels:  []string{"agent_id", "task_type"},
		Buckets: taskBuckets,
	}

	ShellInFlight = Metric{
		Name:   "agentcore_shell_in_flight",
		Type:   GaugeType,
		Help:   "Number of tasks currently executing in an agent shell",
		Labels: []string{"agent_id"},
	}
)

// Event export metrics
var (
	EventsPublished = Metric{
		Name:   "agentcore_events_published_total",
		Type:   CounterType,
		Help:   "Total number of events delivered to a sink",
		Labels: []string{"sink"},
	}

	EventsDropped = Metric{
		Name:   "agentcore_events_dropped_total",
		Type:   CounterType,
		Help:   "Total number of events dropped, by sink and cause",
		Labels: []string{"sink", "reason"},
	}

	IntakeMessages = Metric{
		Name:   "agentcore_intake_messages_total",
		Type:   CounterType,
		Help:   "Total number of task submissions read from the broker, by outcome",
		Labels: []string{"outcome"},
	}
)

// StandardMetrics lists every metric the components emit
func StandardMetrics() []Metric {
	return []Metric{
		TasksSubmitted, TasksFinished, TaskRetries, TaskDuration, QueueDepth, WorkflowExecutions,
		RegisteredAgents, AgentEvictions, EnvelopesRouted, AgentsByHealth, HealthAlerts,
		ShellTasks, ShellTaskDuration, ShellInFlight,
		EventsPublished, EventsDropped, IntakeMessages,
	}
}

// Labels creates a labels map from key-value pairs
func Labels(kvs ...string) map[string]string {
	labels := make(map[string]string, len(kvs)/2)
	for i := 0; i < len(kvs)-1; i += 2 {
		labels[kvs[i]] = kvs[i+1]
	}
	return labels
}

// Nop is a Collector that records nothing
type Nop struct{}

func (Nop) IncrementCounter(string, map[string]string)           {}
func (Nop) AddCounter(string, float64, map[string]string)        {}
func (Nop) SetGauge(string, float64, map[string]string)          {}
func (Nop) AddGauge(string, float64, map[string]string)          {}
func (Nop) ObserveHistogram(string, float64, map[string]string)  {}
func (Nop) ObserveDuration(string, time.Time, map[string]string) {}
func (Nop) Register(Metric) error                                { return nil }

func (Nop) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
}

// OrNop returns c, or a Nop collector when c is nil
func OrNop(c Collector) Collector {
	if c == nil {
		return Nop{}
	}
	return c
}
