package models

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Default task settings applied by NewTask
const (
	DefaultTaskTimeout    = 5 * time.Minute
	DefaultTaskMaxRetries = 3
)

// Params is the typed input of a task. Each task type owns one variant;
// the coordinator validates it at submission time.
type Params interface {
	TaskType() string
	Validate() error
}

// RawParams is the untyped variant, used when a task type has no schema of
// its own or when parameters arrive from outside the process
type RawParams struct {
	Type   string         `json:"type" yaml:"type"`
	Values map[string]any `json:"values,omitempty" yaml:"values,omitempty"`
}

// TaskType implements Params
func (p RawParams) TaskType() string { return p.Type }

// Validate implements Params
func (p RawParams) Validate() error {
	if p.Type == "" {
		return &ValidationError{Field: "params.type", Message: "params type is required"}
	}
	return nil
}

// String returns a string value from the params
func (p RawParams) String(key string) (string, bool) {
	v, ok := p.Values[key].(string)
	return v, ok
}

// MarshalJSON writes only the values; the type travels as the task's type
func (p RawParams) MarshalJSON() ([]byte, error) {
	if p.Values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.Values)
}

// BindParams converts a task's params into the typed variant T. Typed
// params pass through; raw params are decoded field by field.
func BindParams[T Params](p Params) (T, error) {
	var out T
	switch v := p.(type) {
	case T:
		return v, nil
	case RawParams:
		raw, err := json.Marshal(v.Values)
		if err != nil {
			return out, fmt.Errorf("bind %s params: %w", v.Type, err)
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return out, &ValidationError{Field: "params", Message: err.Error()}
		}
		return out, nil
	case nil:
		return out, &ValidationError{Field: "params", Message: "params are required"}
	default:
		return out, &ValidationError{Field: "params", Message: fmt.Sprintf("unexpected params %T", p)}
	}
}

// ParamsSchemas maps task types to their typed params variant. Raw params
// for a known type are bound and validated against it, so malformed input
// from manifests or the wire is rejected at submission. Safe for
// concurrent use.
type ParamsSchemas struct {
	mu      sync.RWMutex
	binders map[string]func(Params) (Params, error)
}

// NewParamsSchemas creates an empty schema set
func NewParamsSchemas() *ParamsSchemas {
	return &ParamsSchemas{binders: make(map[string]func(Params) (Params, error))}
}

// RegisterSchema makes T the params variant of taskType
func RegisterSchema[T Params](s *ParamsSchemas, taskType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binders[taskType] = func(p Params) (Params, error) {
		return BindParams[T](p)
	}
}

// Known reports whether taskType has a registered schema
func (s *ParamsSchemas) Known(taskType string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.binders[taskType]
	return ok
}

// Resolve binds raw params of a known task type into the typed variant and
// validates the result. Missing params of a known type are validated as
// empty. Typed params and unknown types pass through as is; Task.Validate
// still checks them.
func (s *ParamsSchemas) Resolve(taskType string, p Params) (Params, error) {
	if s == nil {
		return p, nil
	}
	s.mu.RLock()
	bind, known := s.binders[taskType]
	s.mu.RUnlock()
	if !known {
		return p, nil
	}

	raw := RawParams{Type: taskType}
	if p != nil {
		var ok bool
		if raw, ok = p.(RawParams); !ok || raw.Type != taskType {
			return p, nil
		}
	}
	typed, err := bind(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if err := typed.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return typed, nil
}

// Dependency links a task to another task that must finish first.
// Optional dependencies are satisfied by any terminal outcome.
type Dependency struct {
	TaskID   string `json:"task_id" yaml:"task_id"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Task represents a unit of work to be executed by an agent
type Task struct {
	ID                   string         `json:"id"`
	Type                 string         `json:"type"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	Priority             Priority       `json:"priority"`
	Params               Params         `json:"params,omitempty"`
	Inputs               map[string]any `json:"inputs,omitempty"`
	Dependencies         []Dependency   `json:"dependencies,omitempty"`
	PreferredAgents      []string       `json:"preferred_agents,omitempty"`
	ExcludedAgents       []string       `json:"excluded_agents,omitempty"`
	Status               TaskStatus     `json:"status"`
	AssignedAgent        string         `json:"assigned_agent,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	QueuedAt             *time.Time     `json:"queued_at,omitempty"`
	AssignedAt           *time.Time     `json:"assigned_at,omitempty"`
	StartedAt            *time.Time     `json:"started_at,omitempty"`
	EndedAt              *time.Time     `json:"ended_at,omitempty"`
	Timeout              time.Duration  `json:"timeout"`
	RetryCount           int            `json:"retry_count"`
	MaxRetries           int            `json:"max_retries"`
	Result               *TaskResult    `json:"result,omitempty"`
	LastError            string         `json:"last_error,omitempty"`
	WorkflowExecutionID  string         `json:"workflow_execution_id,omitempty"`
	StepID               string         `json:"step_id,omitempty"`
}

// NewTask creates a task with the default priority, timeout and retry budget
func NewTask(taskType string, capabilities ...string) Task {
	return Task{
		Type:                 taskType,
		RequiredCapabilities: capabilities,
		Priority:             PriorityNormal,
		Status:               TaskPending,
		Timeout:              DefaultTaskTimeout,
		MaxRetries:           DefaultTaskMaxRetries,
	}
}

// DependsOn appends hard dependencies
func (t Task) DependsOn(taskIDs ...string) Task {
	for _, id := range taskIDs {
		t.Dependencies = append(t.Dependencies, Dependency{TaskID: id})
	}
	return t
}

// WithParams sets the task's typed params
func (t Task) WithParams(p Params) Task {
	t.Params = p
	return t
}

// Validate checks the task's static shape. Cross-task checks (duplicate
// ids, unknown dependencies) belong to the coordinator.
func (t Task) Validate() error {
	if t.Type == "" {
		return &ValidationError{Field: "type", Message: "task type is required"}
	}
	if !t.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("invalid priority %d", int(t.Priority))}
	}
	if t.MaxRetries < 0 {
		return &ValidationError{Field: "max_retries", Message: "max retries cannot be negative"}
	}
	if t.Timeout < 0 {
		return &ValidationError{Field: "timeout", Message: "timeout cannot be negative"}
	}
	for _, c := range t.RequiredCapabilities {
		if c == "" {
			return &ValidationError{Field: "required_capabilities", Message: "capability names cannot be empty"}
		}
	}
	for _, d := range t.Dependencies {
		if d.TaskID == "" {
			return &ValidationError{Field: "dependencies", Message: "dependency task id is required"}
		}
		if t.ID != "" && d.TaskID == t.ID {
			return &ValidationError{Field: "dependencies", Message: "task cannot depend on itself"}
		}
	}
	if t.Params != nil {
		if t.Params.TaskType() != t.Type {
			return &ValidationError{
				Field:   "params",
				Message: fmt.Sprintf("params for %q attached to task of type %q", t.Params.TaskType(), t.Type),
			}
		}
		if err := t.Params.Validate(); err != nil {
			return fmt.Errorf("invalid params: %w", err)
		}
	}
	return nil
}

// UnmarshalJSON decodes params as RawParams of the task's type; executors
// bind them to their typed variant with BindParams. A missing priority
// means normal.
func (t *Task) UnmarshalJSON(data []byte) error {
	type plain Task
	aux := struct {
		*plain
		Params map[string]any `json:"params,omitempty"`
	}{plain: (*plain)(t)}
	t.Priority = PriorityNormal
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.Params = nil
	if aux.Params != nil {
		t.Params = RawParams{Type: t.Type, Values: aux.Params}
	}
	return nil
}

// Clone returns a copy that shares no mutable state with t
func (t Task) Clone() Task {
	c := t
	c.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	c.Dependencies = append([]Dependency(nil), t.Dependencies...)
	c.PreferredAgents = append([]string(nil), t.PreferredAgents...)
	c.ExcludedAgents = append([]string(nil), t.ExcludedAgents...)
	if t.Inputs != nil {
		c.Inputs = make(map[string]any, len(t.Inputs))
		for k, v := range t.Inputs {
			c.Inputs[k] = v
		}
	}
	c.QueuedAt = cloneTime(t.QueuedAt)
	c.AssignedAt = cloneTime(t.AssignedAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.EndedAt = cloneTime(t.EndedAt)
	if t.Result != nil {
		r := t.Result.Clone()
		c.Result = &r
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TaskResult contains the outcome of a task execution
type TaskResult struct {
	TaskID      string         `json:"task_id"`
	AgentID     string         `json:"agent_id"`
	Success     bool           `json:"success"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Duration    time.Duration  `json:"duration"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Clone returns a copy with its own output map
func (r TaskResult) Clone() TaskResult {
	c := r
	if r.Output != nil {
		c.Output = make(map[string]any, len(r.Output))
		for k, v := range r.Output {
			c.Output[k] = v
		}
	}
	return c
}

// SuccessResult builds a successful result
func SuccessResult(taskID string, output map[string]any) TaskResult {
	return TaskResult{TaskID: taskID, Success: true, Output: output, CompletedAt: time.Now()}
}

// FailureResult builds a failed result
func FailureResult(taskID string, err error) TaskResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return TaskResult{TaskID: taskID, Success: false, Error: msg, CompletedAt: time.Now()}
}
