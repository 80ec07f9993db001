package manifest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/agentcore/pkg/models"
)

const etlManifest = `apiVersion: agentcore.dev/v1
kind: Workflow
metadata:
  name: nightly-etl
  displayName: Nightly ETL
  description: extract, transform and load the day's records
spec:
  steps:
    - id: extract
      task:
        type: file.read
        capabilities: [files]
        priority: high
        timeout: 30s
        maxRetries: 2
        params:
          path: /var/data/in.json
    - id: transform
      dependsOn: [extract]
      task:
        type: data.transform
        capabilities: [transform]
    - id: report
      dependsOn: [extract]
      optional: true
      parallelGroup: outputs
      task:
        type: command.run
    - id: load
      dependsOn: [transform]
      parallelGroup: outputs
      task:
        type: file.write
        priority: critical
`

func TestParseManifest(t *testing.T) {
	m, err := Parse([]byte(etlManifest))
	require.NoError(t, err)

	assert.Equal(t, "nightly-etl", m.Metadata.Name)
	assert.Equal(t, []string{"extract", "transform", "report", "load"}, m.StepIDs())

	w, err := m.ToWorkflow()
	require.NoError(t, err)
	assert.Equal(t, "nightly-etl", w.ID)
	assert.Equal(t, "Nightly ETL", w.Name)
	require.Len(t, w.Steps, 4)

	extract := w.Steps[0]
	assert.Equal(t, "file.read", extract.Task.Type)
	assert.Equal(t, []string{"files"}, extract.Task.RequiredCapabilities)
	assert.Equal(t, models.PriorityHigh, extract.Task.Priority)
	assert.Equal(t, 30*time.Second, extract.Task.Timeout)
	assert.Equal(t, 2, extract.Task.MaxRetries)
	params, ok := extract.Task.Params.(models.RawParams)
	require.True(t, ok)
	assert.Equal(t, "file.read", params.TaskType())
	assert.Equal(t, "/var/data/in.json", params.Values["path"])

	transform, ok := w.Step("transform")
	require.True(t, ok)
	assert.Equal(t, models.PriorityNormal, transform.Task.Priority)
	assert.Nil(t, transform.Task.Params)
	assert.Equal(t, []string{"extract"}, transform.DependsOn)

	report, _ := w.Step("report")
	assert.True(t, report.Optional)
	assert.Equal(t, "outputs", report.ParallelGroup)

	load, _ := w.Step("load")
	assert.Equal(t, models.PriorityCritical, load.Task.Priority)
}

func TestNameDefaultsWhenNoDisplayName(t *testing.T) {
	m, err := Parse([]byte(strings.Replace(etlManifest, "  displayName: Nightly ETL\n", "", 1)))
	require.NoError(t, err)
	w, err := m.ToWorkflow()
	require.NoError(t, err)
	assert.Equal(t, "nightly-etl", w.Name)
}

func TestValidateManifest(t *testing.T) {
	valid := func() *WorkflowManifest {
		m, err := Parse([]byte(etlManifest))
		require.NoError(t, err)
		return m
	}

	tests := []struct {
		name    string
		mutate  func(*WorkflowManifest)
		problem string
	}{
		{"missing api version", func(m *WorkflowManifest) { m.APIVersion = "" }, "apiVersion is required"},
		{"wrong api version", func(m *WorkflowManifest) { m.APIVersion = "syntor.dev/v1" }, "unsupported apiVersion"},
		{"wrong kind", func(m *WorkflowManifest) { m.Kind = "Agent" }, "invalid kind"},
		{"missing name", func(m *WorkflowManifest) { m.Metadata.Name = "" }, "metadata.name is required"},
		{"bad name", func(m *WorkflowManifest) { m.Metadata.Name = "Nightly_ETL" }, "lowercase alphanumeric"},
		{"double hyphen", func(m *WorkflowManifest) { m.Metadata.Name = "nightly--etl" }, "lowercase alphanumeric"},
		{"no steps", func(m *WorkflowManifest) { m.Spec.Steps = nil }, "at least one step"},
		{"missing task type", func(m *WorkflowManifest) { m.Spec.Steps[1].Task.Type = "" }, "spec.steps[1].task.type is required"},
		{"negative retries", func(m *WorkflowManifest) { m.Spec.Steps[0].Task.MaxRetries = -1 }, "must be non-negative"},
		{"bad priority", func(m *WorkflowManifest) { m.Spec.Steps[0].Task.Priority = "urgent" }, "unknown priority"},
		{"bad timeout", func(m *WorkflowManifest) { m.Spec.Steps[0].Task.Timeout = "soon" }, "invalid timeout"},
		{"zero timeout", func(m *WorkflowManifest) { m.Spec.Steps[0].Task.Timeout = "0s" }, "timeout must be positive"},
		{"duplicate step", func(m *WorkflowManifest) { m.Spec.Steps[1].ID = "extract" }, "duplicate step id"},
		{"unknown dependency", func(m *WorkflowManifest) { m.Spec.Steps[1].DependsOn = []string{"fetch"} }, "unknown step"},
		{"cycle", func(m *WorkflowManifest) { m.Spec.Steps[0].DependsOn = []string{"load"} }, "dependency cycle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(m)
			err := ValidateManifest(m)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, err.Error(), tt.problem)
		})
	}
}

func TestValidateManifestCollectsProblems(t *testing.T) {
	err := ValidateManifest(&WorkflowManifest{Kind: "Agent"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Problems, 4)
	assert.Contains(t, err.Error(), "<unnamed>")
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("apiVersion: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse manifest")
}
