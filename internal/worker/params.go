package worker

import (
	"fmt"
	"strings"

	"github.com/syntor/agentcore/pkg/models"
)

// Task types handled by the built-in executor
const (
	TaskTransform = "data.transform"
	TaskFileRead  = "file.read"
	TaskFileWrite = "file.write"
	TaskCommand   = "command.run"
)

// TransformParams configures data.transform. The value comes from Data or,
// when From is set, from the task inputs (see Lookup).
type TransformParams struct {
	Operation string `json:"operation"`
	Data      any    `json:"data,omitempty"`
	From      string `json:"from,omitempty"`
}

func (p TransformParams) TaskType() string { return TaskTransform }

func (p TransformParams) Validate() error {
	if _, ok := transforms[p.operation()]; !ok {
		return &models.ValidationError{Field: "params.operation", Message: fmt.Sprintf("unknown operation %q", p.Operation)}
	}
	if p.Data == nil && p.From == "" {
		return &models.ValidationError{Field: "params.data", Message: "data or from is required"}
	}
	return nil
}

func (p TransformParams) operation() string {
	if p.Operation == "" {
		return "passthrough"
	}
	return p.Operation
}

// FileReadParams configures file.read
type FileReadParams struct {
	Path string `json:"path"`
}

func (p FileReadParams) TaskType() string { return TaskFileRead }

func (p FileReadParams) Validate() error {
	if p.Path == "" {
		return &models.ValidationError{Field: "params.path", Message: "path is required"}
	}
	return nil
}

// FileWriteParams configures file.write. Non-string values taken From the
// inputs are written as JSON.
type FileWriteParams struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	From    string `json:"from,omitempty"`
	Append  bool   `json:"append,omitempty"`
}

func (p FileWriteParams) TaskType() string { return TaskFileWrite }

func (p FileWriteParams) Validate() error {
	if p.Path == "" {
		return &models.ValidationError{Field: "params.path", Message: "path is required"}
	}
	return nil
}

// CommandParams configures command.run. The command runs without a shell.
type CommandParams struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

func (p CommandParams) TaskType() string { return TaskCommand }

func (p CommandParams) Validate() error {
	if p.Command == "" {
		return &models.ValidationError{Field: "params.command", Message: "command is required"}
	}
	return nil
}

// RegisterSchemas records the params variant of every built-in task type
func RegisterSchemas(s *models.ParamsSchemas) {
	models.RegisterSchema[TransformParams](s, TaskTransform)
	models.RegisterSchema[FileReadParams](s, TaskFileRead)
	models.RegisterSchema[FileWriteParams](s, TaskFileWrite)
	models.RegisterSchema[CommandParams](s, TaskCommand)
}

// Lookup resolves a dotted reference such as "steps.extract.content" or
// "input.name" against a task's inputs
func Lookup(inputs map[string]any, ref string) (any, error) {
	var cur any = inputs
	for _, part := range strings.Split(ref, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("reference %q: %q is not an object", ref, part)
		}
		if cur, ok = m[part]; !ok {
			return nil, fmt.Errorf("reference %q: %q not found", ref, part)
		}
	}
	return cur, nil
}

func bind[T models.Params](task models.Task) (T, error) {
	p, err := models.BindParams[T](task.Params)
	if err != nil {
		return p, err
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}
