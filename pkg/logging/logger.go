package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"
)

// Logger is the structured logger every component takes
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	With(fields ...Field) Logger
	WithContext(ctx context.Context) Logger
}

// Field represents a structured log field
type Field struct {
	Key   string
	Value interface{}
}

// String creates a string field
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Float64 creates a float64 field
func Float64(key string, value float64) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// Duration creates a duration field
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err creates an error field
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Any creates a field with any value
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Domain fields used across the coordination components

// AgentID tags a log line with an agent id
func AgentID(id string) Field { return String("agent_id", id) }

// TaskID tags a log line with a task id
func TaskID(id string) Field { return String("task_id", id) }

// ExecutionID tags a log line with a workflow execution id
func ExecutionID(id string) Field { return String("execution_id", id) }

// Component tags a log line with the emitting component
func Component(name string) Field { return String("component", name) }

type contextKey string

const (
	correlationIDKey contextKey = "correlation_id"
	agentIDKey       contextKey = "agent_id"
	taskIDKey        contextKey = "task_id"
)

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// GetAgentID retrieves the agent ID from the context
func GetAgentID(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey).(string)
	return id
}

// WithTaskID adds a task ID to the context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey, taskID)
}

// GetTaskID retrieves the task ID from the context
func GetTaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey).(string)
	return id
}

// contextFields collects the ids stored on ctx
func contextFields(ctx context.Context) []Field {
	var fields []Field
	if id := GetCorrelationID(ctx); id != "" {
		fields = append(fields, String("correlation_id", id))
	}
	if id := GetAgentID(ctx); id != "" {
		fields = append(fields, AgentID(id))
	}
	if id := GetTaskID(ctx); id != "" {
		fields = append(fields, TaskID(id))
	}
	return fields
}

// LogLevel represents log level
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Config holds logger configuration
type Config struct {
	Level  LogLevel
	Format string // "json" or "console"
	Output io.Writer
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:  InfoLevel,
		Format: "json",
		Output: os.Stderr,
	}
}

// ParseLevel parses a log level name; unknown names map to info
func ParseLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}
