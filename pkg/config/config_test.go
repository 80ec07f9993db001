package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/syntor/agentcore/internal/worker"
	"github.com/syntor/agentcore/pkg/agent"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultSystemConfig(t *testing.T) {
	c := DefaultSystemConfig()
	require.NoError(t, c.Validate())

	assert.Equal(t, ":8080", c.System.HTTPAddr)
	assert.False(t, c.Kafka.Enabled)
	assert.False(t, c.Redis.Enabled)
	assert.Equal(t, []string{"localhost:9092"}, c.Kafka.Brokers)
	require.Len(t, c.Agents, 1)
	assert.Equal(t, "worker-1", c.Agents[0].ID)
	assert.Contains(t, c.Agents[0].Capabilities, worker.TaskTransform)
	assert.Equal(t, 100*time.Millisecond, c.Coordinator.SchedulerInterval)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
system:
  environment: staging
  shutdown_timeout: 45s
logging:
  level: debug
  format: console
coordinator:
  scheduler_interval: 250ms
  backoff:
    base: 3
    max: 1m
health:
  thresholds:
    cpu_warning: 70
kafka:
  enabled: true
  intake: true
  brokers: [kafka-0:9092, kafka-1:9092]
  intake_rate: 10
  topics:
    submit: jobs.submit
redis:
  enabled: true
  address: redis:6379
workflows:
  paths: [/etc/agentcore/workflows]
  watch: false
agents:
  - id: files-1
    type: files
    capabilities: [file.read, file.write]
    max_concurrency: 2
    heartbeat_interval: 10s
    breaker:
      failure_threshold: 3
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", c.System.Environment)
	assert.Equal(t, 45*time.Second, c.System.ShutdownTimeout)
	assert.Equal(t, ":8080", c.System.HTTPAddr)
	assert.Equal(t, "console", c.Logging.Format)

	assert.Equal(t, 250*time.Millisecond, c.Coordinator.SchedulerInterval)
	assert.Equal(t, 10*time.Second, c.Coordinator.MonitorInterval)
	assert.Equal(t, 3.0, c.Coordinator.Backoff.Base)
	assert.Equal(t, time.Minute, c.Coordinator.Backoff.Max)

	assert.Equal(t, 70.0, c.Health.Thresholds.CPUWarning)
	assert.Equal(t, 95.0, c.Health.Thresholds.CPUCritical)

	assert.True(t, c.Kafka.Enabled)
	assert.Equal(t, []string{"kafka-0:9092", "kafka-1:9092"}, c.Kafka.Brokers)
	assert.Equal(t, 10.0, c.Kafka.IntakeRate)
	assert.Equal(t, "jobs.submit", c.Kafka.Topics.Submit)
	assert.Equal(t, "agentcore-intake", c.Kafka.Consumer.GroupID)

	assert.Equal(t, "redis:6379", c.Redis.Address)
	assert.Equal(t, []string{"/etc/agentcore/workflows"}, c.Workflows.Paths)
	assert.False(t, c.Workflows.Watch)

	require.Len(t, c.Agents, 1)
	a := c.Agents[0]
	assert.Equal(t, "files-1", a.ID)
	assert.Equal(t, 2, a.MaxConcurrency)
	assert.Equal(t, 10*time.Second, a.HeartbeatInterval)
	assert.Equal(t, 3, a.Breaker.FailureThreshold)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("AGENTCORE_LOG_LEVEL", "warn")
	t.Setenv("AGENTCORE_HTTP_ADDR", ":9999")
	t.Setenv("AGENTCORE_KAFKA_ENABLED", "true")
	t.Setenv("AGENTCORE_KAFKA_BROKERS", "a:9092, b:9092,")
	t.Setenv("AGENTCORE_REDIS_ENABLED", "1")
	t.Setenv("AGENTCORE_WORKFLOW_PATHS", "one,two")
	t.Setenv("AGENTCORE_SHUTDOWN_TIMEOUT", "5s")
	t.Setenv("AGENTCORE_METRICS_ENABLED", "no")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", c.Logging.Level)
	assert.Equal(t, ":9999", c.System.HTTPAddr)
	assert.True(t, c.Kafka.Enabled)
	assert.Equal(t, []string{"a:9092", "b:9092"}, c.Kafka.Brokers)
	assert.True(t, c.Redis.Enabled)
	assert.Equal(t, []string{"one", "two"}, c.Workflows.Paths)
	assert.Equal(t, 5*time.Second, c.System.ShutdownTimeout)
	assert.False(t, c.Metrics.Enabled)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "system: [not, a, map]"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SystemConfig)
		want   string
	}{
		{"shutdown timeout", func(c *SystemConfig) { c.System.ShutdownTimeout = 0 }, "shutdown_timeout"},
		{"log format", func(c *SystemConfig) { c.Logging.Format = "xml" }, "logging.format"},
		{"kafka brokers", func(c *SystemConfig) { c.Kafka.Enabled = true; c.Kafka.Brokers = nil }, "kafka.brokers"},
		{"intake without kafka", func(c *SystemConfig) { c.Kafka.Intake = true }, "kafka.intake"},
		{"redis address", func(c *SystemConfig) { c.Redis.Enabled = true; c.Redis.Address = "" }, "redis.address"},
		{"agent id", func(c *SystemConfig) { c.Agents[0].ID = "" }, "agents[0].id is required"},
		{"reserved id", func(c *SystemConfig) { c.Agents[0].ID = "coordinator" }, "reserved"},
		{"duplicate id", func(c *SystemConfig) { c.Agents = append(c.Agents, c.Agents[0]) }, "duplicated"},
		{"concurrency", func(c *SystemConfig) { c.Agents[0].MaxConcurrency = -1 }, "max_concurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultSystemConfig()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	c := DefaultSystemConfig()
	c.Agents = append(c.Agents, agent.DefaultConfig("files"))
	c.Agents[1].ID = "files-1"

	data, err := c.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "scheduler_interval: 100ms")

	var back SystemConfig
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, c.Coordinator, back.Coordinator)
	assert.Equal(t, c.Kafka.Brokers, back.Kafka.Brokers)
	require.Len(t, back.Agents, 2)
	assert.Equal(t, "files-1", back.Agents[1].ID)
	assert.Equal(t, c.Agents[0].Breaker, back.Agents[0].Breaker)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("AGENTCORE_N", "12")
	t.Setenv("AGENTCORE_BAD_N", "twelve")
	t.Setenv("AGENTCORE_D", "1m30s")

	assert.Equal(t, 12, GetEnvInt("N", 1))
	assert.Equal(t, 1, GetEnvInt("BAD_N", 1))
	assert.Equal(t, 90*time.Second, GetEnvDuration("D", time.Second))
	assert.Equal(t, time.Second, GetEnvDuration("UNSET", time.Second))
	assert.Equal(t, "fallback", GetEnv("UNSET", "fallback"))
	assert.True(t, GetEnvBool("UNSET", true))
}
