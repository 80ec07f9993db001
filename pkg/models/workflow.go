package models

import (
	"fmt"
	"time"
)

// WorkflowStatus is the state of a workflow execution
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
	WorkflowPaused    WorkflowStatus = "paused"
)

// Terminal reports whether the execution has finished
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// TaskTemplate is the blueprint a workflow step instantiates
type TaskTemplate struct {
	Type                 string        `json:"type" yaml:"type"`
	RequiredCapabilities []string      `json:"required_capabilities" yaml:"capabilities"`
	Priority             Priority      `json:"priority" yaml:"priority"`
	Params               Params        `json:"params,omitempty" yaml:"-"`
	Timeout              time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries           int           `json:"max_retries" yaml:"max_retries"`
}

// Instantiate creates a fresh task from the template
func (t TaskTemplate) Instantiate() Task {
	return Task{
		Type:                 t.Type,
		RequiredCapabilities: append([]string(nil), t.RequiredCapabilities...),
		Priority:             t.Priority,
		Params:               t.Params,
		Timeout:              t.Timeout,
		MaxRetries:           t.MaxRetries,
		Status:               TaskPending,
	}
}

// WorkflowStep is one node of a workflow graph
type WorkflowStep struct {
	ID            string       `json:"id"`
	Task          TaskTemplate `json:"task"`
	DependsOn     []string     `json:"depends_on,omitempty"`
	ParallelGroup string       `json:"parallel_group,omitempty"`
	Optional      bool         `json:"optional,omitempty"`
}

// Workflow is an immutable multi-step template
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
}

// Step looks up a step by id
func (w Workflow) Step(id string) (WorkflowStep, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return WorkflowStep{}, false
}

// Validate checks step ids, references and acyclicity
func (w Workflow) Validate() error {
	if w.ID == "" {
		return &ValidationError{Field: "id", Message: "workflow id is required"}
	}
	if len(w.Steps) == 0 {
		return &ValidationError{Field: "steps", Message: "workflow needs at least one step"}
	}

	ids := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.ID == "" {
			return &ValidationError{Field: "steps.id", Message: "step id is required"}
		}
		if ids[s.ID] {
			return &ValidationError{Field: "steps.id", Message: fmt.Sprintf("duplicate step id %q", s.ID)}
		}
		ids[s.ID] = true
		if s.Task.Type == "" {
			return &ValidationError{Field: "steps.task.type", Message: fmt.Sprintf("step %q has no task type", s.ID)}
		}
		if s.Task.MaxRetries < 0 {
			return &ValidationError{Field: "steps.task.max_retries", Message: fmt.Sprintf("step %q has negative retries", s.ID)}
		}
	}
	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return &ValidationError{Field: "steps.depends_on", Message: fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep)}
			}
			if dep == s.ID {
				return &ValidationError{Field: "steps.depends_on", Message: fmt.Sprintf("step %q depends on itself", s.ID)}
			}
		}
	}
	if cycle := w.findCycle(); cycle != "" {
		return &ValidationError{Field: "steps.depends_on", Message: fmt.Sprintf("dependency cycle through step %q", cycle)}
	}
	return nil
}

func (w Workflow) findCycle() string {
	const (
		unvisited = iota
		visiting
		done
	)
	deps := make(map[string][]string, len(w.Steps))
	for _, s := range w.Steps {
		deps[s.ID] = s.DependsOn
	}
	state := make(map[string]int, len(w.Steps))

	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visiting:
			return id
		case done:
			return ""
		}
		state[id] = visiting
		for _, d := range deps[id] {
			if c := visit(d); c != "" {
				return c
			}
		}
		state[id] = done
		return ""
	}

	for _, s := range w.Steps {
		if c := visit(s.ID); c != "" {
			return c
		}
	}
	return ""
}

// WorkflowExecution is a mutable run of a workflow
type WorkflowExecution struct {
	ID          string                `json:"id"`
	WorkflowID  string                `json:"workflow_id"`
	Status      WorkflowStatus        `json:"status"`
	Input       map[string]any        `json:"input,omitempty"`
	StepResults map[string]TaskResult `json:"step_results"`
	StepTasks   map[string]string     `json:"step_tasks"`
	Output      map[string]any        `json:"output,omitempty"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// Clone returns a deep-enough copy for handing out of the coordinator
func (e WorkflowExecution) Clone() WorkflowExecution {
	c := e
	c.Input = copyMap(e.Input)
	c.Output = copyMap(e.Output)
	c.StepResults = make(map[string]TaskResult, len(e.StepResults))
	for k, v := range e.StepResults {
		c.StepResults[k] = v.Clone()
	}
	c.StepTasks = make(map[string]string, len(e.StepTasks))
	for k, v := range e.StepTasks {
		c.StepTasks[k] = v
	}
	c.StartedAt = cloneTime(e.StartedAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	return c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
