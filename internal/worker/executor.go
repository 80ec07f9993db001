// Package worker provides the built-in task executors agent shells run
// when started from the command line.
package worker

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/syntor/agentcore/pkg/agent"
	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/models"
)

// Config holds configuration for the built-in executors
type Config struct {
	// WorkDir confines file tasks; relative paths resolve against it.
	// Empty means the process working directory, unconfined.
	WorkDir string `json:"work_dir" yaml:"work_dir"`
	// AllowedCommands lists the programs command.run may start. Empty
	// disables command.run entirely.
	AllowedCommands []string `json:"allowed_commands,omitempty" yaml:"allowed_commands,omitempty"`
	// MaxOutputBytes truncates captured command output and file reads
	MaxOutputBytes int `json:"max_output_bytes" yaml:"max_output_bytes"`
}

// DefaultConfig returns default executor configuration
func DefaultConfig() Config {
	return Config{
		WorkDir:        "work",
		MaxOutputBytes: 1 << 20,
	}
}

// Handler executes one task type and returns its output
type Handler func(ctx context.Context, task models.Task) (map[string]any, error)

// Executor dispatches tasks to a handler by task type
type Executor struct {
	config Config
	logger logging.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

var _ agent.Executor = (*Executor)(nil)

// New creates an executor with the default handlers registered
func New(config Config, logger logging.Logger) *Executor {
	if config.MaxOutputBytes <= 0 {
		config.MaxOutputBytes = DefaultConfig().MaxOutputBytes
	}
	e := &Executor{
		config:   config,
		logger:   logging.OrGlobal(logger).With(logging.Component("worker")),
		handlers: make(map[string]Handler),
	}
	RegisterDefaultHandlers(e)
	return e
}

// Register adds or replaces the handler for a task type
func (e *Executor) Register(taskType string, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[taskType] = handler
}

// TaskTypes returns the handled task types, sorted. Shells advertise them
// as capabilities.
func (e *Executor) TaskTypes() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	types := make([]string, 0, len(e.handlers))
	for t := range e.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Initialize creates the work directory
func (e *Executor) Initialize(_ context.Context) error {
	if e.config.WorkDir == "" {
		return nil
	}
	if err := os.MkdirAll(e.config.WorkDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	return nil
}

// ExecuteTask runs the handler registered for the task's type
func (e *Executor) ExecuteTask(ctx context.Context, task models.Task) (models.TaskResult, error) {
	e.mu.RLock()
	handler, ok := e.handlers[task.Type]
	e.mu.RUnlock()
	if !ok {
		return models.TaskResult{}, fmt.Errorf("no handler for task type: %s", task.Type)
	}

	start := time.Now()
	output, err := handler(ctx, task)
	if err != nil {
		e.logger.WithContext(logging.WithTaskID(ctx, task.ID)).Debug("task handler failed",
			logging.String("type", task.Type),
			logging.Err(err),
		)
		return models.TaskResult{}, err
	}
	result := models.SuccessResult(task.ID, output)
	result.Duration = time.Since(start)
	return result, nil
}

// Cleanup is a no-op; handlers hold no state between tasks
func (e *Executor) Cleanup(_ context.Context) error {
	return nil
}
