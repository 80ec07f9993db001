package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/agentcore/internal/worker"
	"github.com/syntor/agentcore/pkg/config"
	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/models"
)

const pipelineManifest = `apiVersion: agentcore.dev/v1
kind: Workflow
metadata:
  name: greeting
spec:
  steps:
    - id: write
      task:
        type: file.write
        params:
          path: greeting.txt
          content: hello
    - id: read
      dependsOn: [write]
      task:
        type: file.read
        params:
          path: greeting.txt
    - id: shout
      dependsOn: [read]
      task:
        type: data.transform
        params:
          operation: uppercase
          from: steps.read.content
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "agentcore "+Version)

	out, err = run(t, "version", "--json")
	require.NoError(t, err)
	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, Version, v["version"])
}

func TestVersionIgnoresBrokenConfig(t *testing.T) {
	_, err := run(t, "version", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NoError(t, err)
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeting.yaml"), []byte(pipelineManifest), 0o644))

	out, err := run(t, "validate", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "greeting")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("kind: Workflow\n"), 0o644))
	out, err = run(t, "validate", "--json", dir)
	assert.ErrorIs(t, err, ErrInvalidManifests)

	var reports []validationReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 1)
	assert.Equal(t, []string{"greeting"}, reports[0].Workflows)
	require.Len(t, reports[0].Errors, 1)
	assert.Contains(t, reports[0].Errors[0], "broken.yaml")
}

func TestValidateMissingDirectory(t *testing.T) {
	_, err := run(t, "validate", filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrInvalidManifests)
}

func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("system:\n  environment: staging\n"), 0o644))

	out, err := run(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "environment: staging")
	assert.Contains(t, out, path)

	out, err = run(t, "config", "defaults", "--json")
	require.NoError(t, err)
	var cfg config.SystemConfig
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, "local", cfg.System.Environment)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "worker-1", cfg.Agents[0].ID)
}

func TestConfigCommandRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  format: xml\n"), 0o644))

	_, err := run(t, "config", "show", "--config", path)
	assert.Error(t, err)
}

func testSystemConfig(t *testing.T) *config.SystemConfig {
	t.Helper()
	cfg := config.DefaultSystemConfig()
	cfg.System.HTTPAddr = "127.0.0.1:0"
	cfg.System.ShutdownTimeout = 5 * time.Second
	cfg.Coordinator.SchedulerInterval = 20 * time.Millisecond
	cfg.Coordinator.WorkflowInterval = 20 * time.Millisecond
	cfg.Coordinator.InboxPollTimeout = 50 * time.Millisecond
	cfg.Worker.WorkDir = filepath.Join(t.TempDir(), "work")
	cfg.Workflows.Paths = []string{t.TempDir()}
	cfg.Workflows.Watch = false
	for i := range cfg.Agents {
		cfg.Agents[i].ReceiveTimeout = 50 * time.Millisecond
	}
	return &cfg
}

func startSystem(t *testing.T, cfg *config.SystemConfig) *System {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	sys, err := NewSystem(ctx, cfg, logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, sys.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		assert.NoError(t, sys.Stop(stopCtx))
		cancel()
	})
	return sys
}

func TestSystemRunsTasks(t *testing.T) {
	sys := startSystem(t, testSystemConfig(t))

	task := models.NewTask(worker.TaskTransform, worker.TaskTransform)
	task = task.WithParams(worker.TransformParams{Operation: "uppercase", Data: "hello"})
	id, err := sys.Coordinator.Submit(task, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done, err := sys.Coordinator.Await(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.TaskCompleted, done.Status, done.LastError)
	require.NotNil(t, done.Result)
	assert.Equal(t, "HELLO", done.Result.Output["output"])
	assert.Equal(t, "worker-1", done.Result.AgentID)
}

func TestSystemRunsManifestWorkflows(t *testing.T) {
	cfg := testSystemConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Workflows.Paths[0], "greeting.yaml"), []byte(pipelineManifest), 0o644))
	sys := startSystem(t, cfg)

	require.Contains(t, sys.Coordinator.Workflows(), "greeting")
	execID, err := sys.Coordinator.ExecuteWorkflow("greeting", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := sys.Coordinator.AwaitWorkflow(ctx, execID)
	require.NoError(t, err)
	require.Equal(t, models.WorkflowCompleted, exec.Status, exec.Error)

	shout, ok := exec.Output["shout"].(map[string]any)
	require.True(t, ok, "shout output: %#v", exec.Output["shout"])
	assert.Equal(t, "HELLO", shout["output"])
	assert.FileExists(t, filepath.Join(cfg.Worker.WorkDir, "greeting.txt"))
}

func TestHealthEndpoint(t *testing.T) {
	sys := startSystem(t, testSystemConfig(t))
	base := "http://" + sys.Addr()

	_, err := sys.Coordinator.Submit(
		models.NewTask(worker.TaskTransform).WithParams(worker.TransformParams{Data: "x"}), 0)
	require.NoError(t, err)

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var h Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "local", h.Environment)
	require.Len(t, h.Agents, 1)
	assert.Equal(t, "worker-1", h.Agents[0].ID)
	assert.Contains(t, h.Agents[0].Capabilities, worker.TaskCommand)
	assert.Equal(t, 4, h.Agents[0].Capacity)

	metricsResp, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "agentcore_tasks_submitted_total")
}

func TestMetricsEndpointDisabled(t *testing.T) {
	cfg := testSystemConfig(t)
	cfg.Metrics.Enabled = false
	sys := startSystem(t, cfg)

	resp, err := http.Get("http://" + sys.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
