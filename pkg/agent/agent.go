package agent

import (
	"context"
	"time"

	"github.com/syntor/agentcore/pkg/models"
	"github.com/syntor/agentcore/pkg/resilience"
)

// Executor is the work a concrete agent does. The shell owns everything
// else: registration, the mailbox, heartbeats, acceptance and replies.
type Executor interface {
	// Initialize runs once before the agent registers
	Initialize(ctx context.Context) error

	// ExecuteTask runs one task. ctx is cancelled on timeout, on a
	// task.cancel envelope and on shutdown.
	ExecuteTask(ctx context.Context, task models.Task) (models.TaskResult, error)

	// Cleanup runs once after the last task has finished
	Cleanup(ctx context.Context) error
}

// MetricsProbe samples host resource usage for heartbeats, in percent
type MetricsProbe interface {
	Sample() (cpu, memory float64)
}

// ProbeFunc adapts a function to MetricsProbe
type ProbeFunc func() (cpu, memory float64)

// Sample calls f
func (f ProbeFunc) Sample() (float64, float64) { return f() }

// State is the lifecycle state of a shell
type State string

const (
	StateUninitialized State = "uninitialized"
	StateRunning       State = "running"
	StateStopping      State = "stopping"
	StateStopped       State = "stopped"
	StateFailed        State = "failed"
)

// Config holds the identity and tuning of one agent shell
type Config struct {
	ID                 string            `json:"id" yaml:"id"`
	Type               string            `json:"type" yaml:"type"`
	Capabilities       []string          `json:"capabilities" yaml:"capabilities"`
	Metadata           map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	MaxConcurrency     int               `json:"max_concurrency" yaml:"max_concurrency"`
	HeartbeatInterval  time.Duration     `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	ReceiveTimeout     time.Duration     `json:"receive_timeout" yaml:"receive_timeout"`
	DefaultTaskTimeout time.Duration     `json:"default_task_timeout" yaml:"default_task_timeout"`
	ShutdownTimeout    time.Duration     `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	StatsWindow        int               `json:"stats_window" yaml:"stats_window"`

	Breaker resilience.CircuitBreakerConfig `json:"breaker" yaml:"breaker"`
}

// DefaultConfig returns shell defaults for an agent of the given type
func DefaultConfig(agentType string) Config {
	return Config{
		Type:               agentType,
		MaxConcurrency:     1,
		HeartbeatInterval:  30 * time.Second,
		ReceiveTimeout:     time.Second,
		DefaultTaskTimeout: 5 * time.Minute,
		ShutdownTimeout:    30 * time.Second,
		StatsWindow:        100,
		Breaker:            resilience.DefaultCircuitBreakerConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Type)
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = d.DefaultTaskTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.StatsWindow <= 0 {
		c.StatsWindow = d.StatsWindow
	}
	return c
}

// Stats is a snapshot of a shell's counters
type Stats struct {
	Processed int64                   `json:"processed"`
	Succeeded int64                   `json:"succeeded"`
	Failed    int64                   `json:"failed"`
	Rejected  int64                   `json:"rejected"`
	Cancelled int64                   `json:"cancelled"`
	InFlight  int                     `json:"in_flight"`
	Breaker   resilience.BreakerStats `json:"breaker"`
}
