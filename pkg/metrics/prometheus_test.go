package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardCollector(t *testing.T) {
	c, err := NewStandardCollector()
	require.NoError(t, err)

	assert.Len(t, c.MetricNames(), len(StandardMetrics()))
	assert.Error(t, c.Register(TasksSubmitted), "duplicate registration")
}

func TestCountersAndGauges(t *testing.T) {
	c, err := NewStandardCollector()
	require.NoError(t, err)

	c.IncrementCounter(TasksSubmitted.Name, Labels("task_type", "render", "priority", "high"))
	c.IncrementCounter(TasksSubmitted.Name, Labels("task_type", "render", "priority", "high"))
	c.SetGauge(QueueDepth.Name, 7, nil)
	c.AddGauge(QueueDepth.Name, -2, nil)

	// wrong label set and unknown names are ignored
	c.IncrementCounter(TasksSubmitted.Name, Labels("nope", "x"))
	c.IncrementCounter("agentcore_unknown_total", nil)

	expected := `
# HELP agentcore_task_queue_depth Number of items in the coordinator ready queue
# TYPE agentcore_task_queue_depth gauge
agentcore_task_queue_depth 5
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), QueueDepth.Name))

	count, err := testutil.GatherAndCount(c.Registry(), TasksSubmitted.Name)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandlerServesMetrics(t *testing.T) {
	c, err := NewStandardCollector()
	require.NoError(t, err)
	c.IncrementCounter(HealthAlerts.Name, Labels("severity", "critical"))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `agentcore_health_alerts_total{severity="critical"} 1`)
}

func TestNop(t *testing.T) {
	var c Collector = OrNop(nil)
	c.IncrementCounter(TasksSubmitted.Name, nil)
	assert.NoError(t, c.Register(TasksSubmitted))
}
