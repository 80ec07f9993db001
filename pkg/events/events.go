// Package events exports coordination lifecycle events (task, agent,
// workflow and health) to external sinks without blocking the components
// that raise them.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type names an event
type Type string

const (
	TaskSubmitted Type = "task.submitted"
	TaskAssigned  Type = "task.assigned"
	TaskStarted   Type = "task.started"
	TaskCompleted Type = "task.completed"
	TaskFailed    Type = "task.failed"
	TaskCancelled Type = "task.cancelled"
	TaskTimedOut  Type = "task.timeout"
	TaskRetrying  Type = "task.retrying"
	TaskRequeued  Type = "task.requeued"

	AgentRegistered    Type = "agent.registered"
	AgentUnregistered  Type = "agent.unregistered"
	AgentEvicted       Type = "agent.evicted"
	AgentStatusChanged Type = "agent.status"

	HealthAlert Type = "health.alert"

	WorkflowStarted   Type = "workflow.started"
	WorkflowCompleted Type = "workflow.completed"
	WorkflowFailed    Type = "workflow.failed"
	WorkflowCancelled Type = "workflow.cancelled"
	WorkflowPaused    Type = "workflow.paused"
	WorkflowResumed   Type = "workflow.resumed"
)

// Category groups event types for routing (task, agent, health, workflow)
func (t Type) Category() string {
	for i, c := range t {
		if c == '.' {
			return string(t[:i])
		}
	}
	return string(t)
}

// Event is one exported lifecycle record
type Event struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	Time        time.Time      `json:"time"`
	AgentID     string         `json:"agent_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with a fresh id and the current time
func New(t Type, data map[string]any) Event {
	return Event{
		ID:   uuid.New().String(),
		Type: t,
		Time: time.Now(),
		Data: data,
	}
}

// ForAgent sets the agent id
func (e Event) ForAgent(id string) Event {
	e.AgentID = id
	return e
}

// ForTask sets the task id
func (e Event) ForTask(id string) Event {
	e.TaskID = id
	return e
}

// ForExecution sets the workflow execution id
func (e Event) ForExecution(id string) Event {
	e.ExecutionID = id
	return e
}

// Key is the partitioning key used by sinks: the most specific id present
func (e Event) Key() string {
	switch {
	case e.TaskID != "":
		return e.TaskID
	case e.ExecutionID != "":
		return e.ExecutionID
	case e.AgentID != "":
		return e.AgentID
	default:
		return e.ID
	}
}

// ToJSON serializes the event
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher accepts events without blocking the caller
type Publisher interface {
	Publish(e Event)
}

// Sink delivers events somewhere outside the process
type Sink interface {
	Name() string
	Write(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(Event) {}

// OrNop returns p, or Nop when p is nil
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}
