// Package config assembles the configuration of a whole agentcore process
// from a YAML file, built-in defaults and AGENTCORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syntor/agentcore/internal/worker"
	"github.com/syntor/agentcore/pkg/agent"
	"github.com/syntor/agentcore/pkg/coordinator"
	"github.com/syntor/agentcore/pkg/events"
	"github.com/syntor/agentcore/pkg/health"
	"github.com/syntor/agentcore/pkg/kafka"
	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/models"
	"github.com/syntor/agentcore/pkg/registry"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "AGENTCORE_"

// SystemConfig holds the complete system configuration
type SystemConfig struct {
	System      SystemSettings          `json:"system" yaml:"system"`
	Logging     LoggingConfig           `json:"logging" yaml:"logging"`
	Metrics     MetricsConfig           `json:"metrics" yaml:"metrics"`
	Coordinator coordinator.Config      `json:"coordinator" yaml:"coordinator"`
	Registry    registry.Config         `json:"registry" yaml:"registry"`
	Health      health.Config           `json:"health" yaml:"health"`
	Events      events.DispatcherConfig `json:"events" yaml:"events"`
	Kafka       KafkaConfig             `json:"kafka" yaml:"kafka"`
	Redis       registry.RedisConfig    `json:"redis" yaml:"redis"`
	Workflows   WorkflowsConfig         `json:"workflows" yaml:"workflows"`
	Worker      worker.Config           `json:"worker" yaml:"worker"`
	Agents      []agent.Config          `json:"agents" yaml:"agents"`
}

// SystemSettings holds general system settings
type SystemSettings struct {
	Environment     string        `json:"environment" yaml:"environment"` // local, staging, production
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	HTTPAddr        string        `json:"http_addr" yaml:"http_addr"` // serves /healthz and /metrics
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, console
}

// Logger builds the process logger
func (c LoggingConfig) Logger() *logging.ZapLogger {
	return logging.New(logging.Config{
		Level:  logging.ParseLevel(c.Level),
		Format: c.Format,
		Output: os.Stderr,
	})
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// KafkaConfig enables the event sink and task intake
type KafkaConfig struct {
	Enabled         bool `json:"enabled" yaml:"enabled"`
	Intake          bool `json:"intake" yaml:"intake"`
	kafka.BusConfig `yaml:",inline"`
}

// WorkflowsConfig points at workflow manifest directories
type WorkflowsConfig struct {
	Paths []string `json:"paths" yaml:"paths"`
	Watch bool     `json:"watch" yaml:"watch"`
}

// DefaultSystemConfig returns default system configuration for local development
func DefaultSystemConfig() SystemConfig {
	w := agent.DefaultConfig("worker")
	w.ID = "worker-1"
	w.MaxConcurrency = 4
	w.Capabilities = worker.New(worker.DefaultConfig(), logging.NewNop()).TaskTypes()

	return SystemConfig{
		System: SystemSettings{
			Environment:     "local",
			ShutdownTimeout: 30 * time.Second,
			HTTPAddr:        ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Coordinator: coordinator.DefaultConfig(),
		Registry:    registry.DefaultConfig(),
		Health:      health.DefaultConfig(),
		Events:      events.DefaultDispatcherConfig(),
		Kafka:       KafkaConfig{BusConfig: kafka.DefaultBusConfig()},
		Redis:       registry.DefaultRedisConfig(),
		Workflows: WorkflowsConfig{
			Paths: []string{"workflows"},
			Watch: true,
		},
		Worker: worker.DefaultConfig(),
		Agents: []agent.Config{w},
	}
}

// Load reads a YAML file over the defaults and applies environment
// overrides. An empty path yields defaults plus overrides.
func Load(path string) (*SystemConfig, error) {
	config := DefaultSystemConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	config.ApplyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// ApplyEnv overrides settings from AGENTCORE_* environment variables
func (c *SystemConfig) ApplyEnv() {
	c.System.Environment = GetEnv("ENV", c.System.Environment)
	c.System.HTTPAddr = GetEnv("HTTP_ADDR", c.System.HTTPAddr)
	c.System.ShutdownTimeout = GetEnvDuration("SHUTDOWN_TIMEOUT", c.System.ShutdownTimeout)
	c.Logging.Level = GetEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = GetEnv("LOG_FORMAT", c.Logging.Format)
	c.Metrics.Enabled = GetEnvBool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Kafka.Enabled = GetEnvBool("KAFKA_ENABLED", c.Kafka.Enabled)
	c.Kafka.Intake = GetEnvBool("KAFKA_INTAKE", c.Kafka.Intake)
	if brokers := GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		c.Kafka.Brokers = splitList(brokers)
	}
	c.Redis.Enabled = GetEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Address = GetEnv("REDIS_ADDRESS", c.Redis.Address)
	c.Redis.Password = GetEnv("REDIS_PASSWORD", c.Redis.Password)
	if paths := GetEnv("WORKFLOW_PATHS", ""); paths != "" {
		c.Workflows.Paths = splitList(paths)
	}
	c.Worker.WorkDir = GetEnv("WORK_DIR", c.Worker.WorkDir)
}

// Validate checks the settings a process cannot start without
func (c *SystemConfig) Validate() error {
	var errs []error
	if c.System.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("system.shutdown_timeout must be positive"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.Kafka.Intake && !c.Kafka.Enabled {
		errs = append(errs, errors.New("kafka.intake requires kafka.enabled"))
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		errs = append(errs, errors.New("redis.address is required when redis is enabled"))
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("agents[%d].id is required", i))
			continue
		}
		if a.ID == models.CoordinatorID {
			errs = append(errs, fmt.Errorf("agents[%d].id %q is reserved", i, a.ID))
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("agents[%d].id %q is duplicated", i, a.ID))
		}
		seen[a.ID] = true
		if a.MaxConcurrency < 0 {
			errs = append(errs, fmt.Errorf("agents[%d].max_concurrency cannot be negative", i))
		}
	}
	return errors.Join(errs...)
}

// Marshal renders the configuration as YAML
func (c *SystemConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetEnv retrieves AGENTCORE_<key> with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt retrieves AGENTCORE_<key> as int with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetEnvBool retrieves AGENTCORE_<key> as bool with a default value
func GetEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(os.Getenv(EnvPrefix + key)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

// GetEnvDuration retrieves AGENTCORE_<key> as a duration with a default value
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(EnvPrefix + key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
