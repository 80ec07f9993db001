package models

import (
	"fmt"
	"strings"
	"time"
)

// BroadcastRecipient addresses every agent (or every agent holding one of
// the envelope's target capabilities)
const BroadcastRecipient = "broadcast"

// CoordinatorID is the reserved agent id the task coordinator registers under
const CoordinatorID = "coordinator"

// MessageKind defines the category of an envelope
type MessageKind string

const (
	KindTaskAssignment MessageKind = "task.assignment"
	KindTaskStatus     MessageKind = "task.status"
	KindTaskResult     MessageKind = "task.result"
	KindTaskRejected   MessageKind = "task.rejected"
	KindTaskCancel     MessageKind = "task.cancel"
	KindHeartbeat      MessageKind = "agent.heartbeat"
	KindBroadcast      MessageKind = "agent.broadcast"
	KindAck            MessageKind = "ack"
	KindRequest        MessageKind = "request"
	KindResponse       MessageKind = "response"
)

// Priority is shared by envelopes and tasks
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityBackground: "background",
	PriorityLow:        "low",
	PriorityNormal:     "normal",
	PriorityHigh:       "high",
	PriorityCritical:   "critical",
}

var priorityScores = map[Priority]int{
	PriorityBackground: 10,
	PriorityLow:        30,
	PriorityNormal:     50,
	PriorityHigh:       80,
	PriorityCritical:   100,
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is one of the defined levels
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// Score is the base scheduling score of the priority
func (p Priority) Score() int {
	return priorityScores[p]
}

// ParsePriority parses a priority name, case-insensitively
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
}

// MarshalText encodes the priority by name
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// AgentStatus is the operational status of a registered agent
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentBusy     AgentStatus = "busy"
	AgentError    AgentStatus = "error"
	AgentShutdown AgentStatus = "shutdown"
)

// Available reports whether the agent may be handed new work
func (s AgentStatus) Available() bool {
	return s == AgentIdle || s == AgentBusy
}

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskQueued    TaskStatus = "queued"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskTimeout   TaskStatus = "timeout"
	TaskRetrying  TaskStatus = "retrying"
)

// Terminal reports whether no further transitions happen from s.
// TIMEOUT is terminal only once the retry budget is spent, at which point
// the coordinator moves the task on to FAILED.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// HealthLevel is the discrete wellness classification of an agent
type HealthLevel string

const (
	HealthHealthy   HealthLevel = "healthy"
	HealthWarning   HealthLevel = "warning"
	HealthCritical  HealthLevel = "critical"
	HealthUnhealthy HealthLevel = "unhealthy"
	HealthUnknown   HealthLevel = "unknown"
)

var healthRank = map[HealthLevel]int{
	HealthUnknown:   0,
	HealthHealthy:   1,
	HealthWarning:   2,
	HealthCritical:  3,
	HealthUnhealthy: 4,
}

// Worse reports whether l is a worse classification than other
func (l HealthLevel) Worse(other HealthLevel) bool {
	return healthRank[l] > healthRank[other]
}

// AlertSeverity classifies alerts raised by the health monitor
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// CircuitState represents circuit breaker state
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// HealthMetrics is one snapshot of an agent's wellness counters.
// Percentages are on a 0-100 scale.
type HealthMetrics struct {
	CPUUsage     float64       `json:"cpu_usage"`
	MemoryUsage  float64       `json:"memory_usage"`
	ErrorRate    float64       `json:"error_rate"`
	ResponseTime time.Duration `json:"response_time"`
	QueueDepth   int           `json:"queue_depth"`
	SuccessRate  float64       `json:"success_rate"`
	Responsive   bool          `json:"responsive"`
}

// DefaultHealthMetrics is the baseline for a freshly registered agent
func DefaultHealthMetrics() HealthMetrics {
	return HealthMetrics{
		SuccessRate: 100,
		Responsive:  true,
	}
}

// PerformanceStats are the rolling stats the directory keeps per agent
type PerformanceStats struct {
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	Completed       int64         `json:"completed"`
	Failed          int64         `json:"failed"`
}

// AgentRecord is the directory's view of one agent
type AgentRecord struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Capabilities   []string          `json:"capabilities"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Status         AgentStatus       `json:"status"`
	Load           int               `json:"load"`
	MaxConcurrency int               `json:"max_concurrency"`
	Performance    PerformanceStats  `json:"performance"`
	RegisteredAt   time.Time         `json:"registered_at"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
}

// HasCapability checks if the agent advertises a capability
func (r AgentRecord) HasCapability(capability string) bool {
	for _, c := range r.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HealthStatus is the health monitor's view of one agent
type HealthStatus struct {
	AgentID        string        `json:"agent_id"`
	Metrics        HealthMetrics `json:"metrics"`
	Level          HealthLevel   `json:"level"`
	Warnings       []string      `json:"warnings,omitempty"`
	Errors         []string      `json:"errors,omitempty"`
	LastHeartbeat  time.Time     `json:"last_heartbeat"`
	UnhealthySince *time.Time    `json:"unhealthy_since,omitempty"`
}

// Alert is an advisory record raised by the health monitor
type Alert struct {
	Timestamp time.Time     `json:"timestamp"`
	AgentID   string        `json:"agent_id"`
	Severity  AlertSeverity `json:"severity"`
	Message   string        `json:"message"`
}
