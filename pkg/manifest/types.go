// Package manifest loads workflow definitions from YAML files, validates
// them and keeps them in sync with the coordinator as files change.
package manifest

import (
	"fmt"
	"time"

	"github.com/syntor/agentcore/pkg/models"
)

const (
	APIVersion   = "agentcore.dev/v1"
	KindWorkflow = "Workflow"
)

// WorkflowManifest is the on-disk form of a workflow
type WorkflowManifest struct {
	APIVersion string       `yaml:"apiVersion" json:"apiVersion"`
	Kind       string       `yaml:"kind" json:"kind"`
	Metadata   Meta         `yaml:"metadata" json:"metadata"`
	Spec       WorkflowSpec `yaml:"spec" json:"spec"`
}

// Meta identifies a workflow
type Meta struct {
	Name        string            `yaml:"name" json:"name"`
	DisplayName string            `yaml:"displayName,omitempty" json:"displayName,omitempty"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// WorkflowSpec lists the steps of a workflow
type WorkflowSpec struct {
	Steps []StepSpec `yaml:"steps" json:"steps"`
}

// StepSpec is one step of a workflow
type StepSpec struct {
	ID            string   `yaml:"id" json:"id"`
	Task          TaskSpec `yaml:"task" json:"task"`
	DependsOn     []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	ParallelGroup string   `yaml:"parallelGroup,omitempty" json:"parallelGroup,omitempty"`
	Optional      bool     `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// TaskSpec is the task a step creates. Priority defaults to normal,
// timeout is a duration string.
type TaskSpec struct {
	Type         string         `yaml:"type" json:"type"`
	Capabilities []string       `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Priority     string         `yaml:"priority,omitempty" json:"priority,omitempty"`
	Timeout      string         `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	MaxRetries   int            `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	Params       map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Template converts the task spec into a task template
func (t TaskSpec) Template() (models.TaskTemplate, error) {
	tpl := models.TaskTemplate{
		Type:                 t.Type,
		RequiredCapabilities: append([]string(nil), t.Capabilities...),
		Priority:             models.PriorityNormal,
		MaxRetries:           t.MaxRetries,
	}
	if t.Priority != "" {
		p, err := models.ParsePriority(t.Priority)
		if err != nil {
			return tpl, err
		}
		tpl.Priority = p
	}
	if t.Timeout != "" {
		d, err := time.ParseDuration(t.Timeout)
		if err != nil {
			return tpl, fmt.Errorf("invalid timeout: %w", err)
		}
		if d <= 0 {
			return tpl, fmt.Errorf("timeout must be positive, got %s", t.Timeout)
		}
		tpl.Timeout = d
	}
	if t.Params != nil {
		tpl.Params = models.RawParams{Type: t.Type, Values: t.Params}
	}
	return tpl, nil
}

// ToWorkflow converts the manifest into a workflow definition keyed by
// metadata.name
func (m *WorkflowManifest) ToWorkflow() (models.Workflow, error) {
	w := models.Workflow{
		ID:          m.Metadata.Name,
		Name:        m.Metadata.DisplayName,
		Description: m.Metadata.Description,
		Steps:       make([]models.WorkflowStep, 0, len(m.Spec.Steps)),
	}
	if w.Name == "" {
		w.Name = m.Metadata.Name
	}
	for i, s := range m.Spec.Steps {
		tpl, err := s.Task.Template()
		if err != nil {
			return w, fmt.Errorf("spec.steps[%d].task: %w", i, err)
		}
		w.Steps = append(w.Steps, models.WorkflowStep{
			ID:            s.ID,
			Task:          tpl,
			DependsOn:     append([]string(nil), s.DependsOn...),
			ParallelGroup: s.ParallelGroup,
			Optional:      s.Optional,
		})
	}
	return w, nil
}

// StepIDs returns the step ids in declaration order
func (m *WorkflowManifest) StepIDs() []string {
	ids := make([]string, len(m.Spec.Steps))
	for i, s := range m.Spec.Steps {
		ids[i] = s.ID
	}
	return ids
}
