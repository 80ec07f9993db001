package health

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func newTestMonitor(t *testing.T, clock *fakeClock) *Monitor {
	t.Helper()
	m := New(DefaultConfig(), WithLogger(logging.NewNop()), WithClock(clock.Now))
	t.Cleanup(m.Stop)
	return m
}

func healthy() models.HealthMetrics {
	return models.HealthMetrics{CPUUsage: 10, MemoryUsage: 20, SuccessRate: 100, Responsive: true}
}

func TestClassify(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name   string
		mutate func(*models.HealthMetrics)
		age    time.Duration
		want   models.HealthLevel
	}{
		{"baseline", func(*models.HealthMetrics) {}, 0, models.HealthHealthy},
		{"not responsive", func(m *models.HealthMetrics) { m.Responsive = false }, 0, models.HealthUnhealthy},
		{"error rate above 50", func(m *models.HealthMetrics) { m.ErrorRate = 51 }, 0, models.HealthUnhealthy},
		{"cpu above 95", func(m *models.HealthMetrics) { m.CPUUsage = 96 }, 0, models.HealthUnhealthy},
		{"memory above 95", func(m *models.HealthMetrics) { m.MemoryUsage = 99 }, 0, models.HealthUnhealthy},
		{"one breach", func(m *models.HealthMetrics) { m.CPUUsage = 85 }, 0, models.HealthWarning},
		{"slow responses", func(m *models.HealthMetrics) { m.ResponseTime = 31 * time.Second }, 0, models.HealthWarning},
		{"low success rate", func(m *models.HealthMetrics) { m.SuccessRate = 79 }, 0, models.HealthWarning},
		{"two breaches", func(m *models.HealthMetrics) { m.CPUUsage = 85; m.ErrorRate = 25 }, 0, models.HealthCritical},
		{"heartbeat warning age", func(*models.HealthMetrics) {}, 121 * time.Second, models.HealthWarning},
		{"heartbeat critical age", func(*models.HealthMetrics) {}, 301 * time.Second, models.HealthCritical},
		{"exactly at warning age", func(*models.HealthMetrics) {}, 120 * time.Second, models.HealthHealthy},
		{"unhealthy wins over age", func(m *models.HealthMetrics) { m.Responsive = false }, time.Hour, models.HealthUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := healthy()
			tt.mutate(&m)
			assert.Equal(t, tt.want, Classify(m, tt.age, th).Level)
		})
	}
}

func TestClassifyProperties(t *testing.T) {
	th := DefaultThresholds()
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("healthy iff no condition holds and heartbeat is fresh", prop.ForAll(
		func(cpu, mem, errRate, success float64, rtSeconds, ageSeconds int) bool {
			m := models.HealthMetrics{
				CPUUsage:     cpu,
				MemoryUsage:  mem,
				ErrorRate:    errRate,
				SuccessRate:  success,
				ResponseTime: time.Duration(rtSeconds) * time.Second,
				Responsive:   true,
			}
			age := time.Duration(ageSeconds) * time.Second
			noCondition := errRate <= th.ErrorRateWarning && cpu <= th.CPUWarning && mem <= th.MemoryWarning &&
				m.ResponseTime <= th.ResponseTime && success >= th.SuccessRateWarning
			fresh := age <= th.HeartbeatWarning

			level := Classify(m, age, th).Level
			return (level == models.HealthHealthy) == (noCondition && fresh)
		},
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 100),
		gen.IntRange(0, 60),
		gen.IntRange(0, 400),
	))

	properties.Property("count of breaches decides warning versus critical", prop.ForAll(
		func(cpu, mem, errRate float64) bool {
			m := models.HealthMetrics{CPUUsage: cpu, MemoryUsage: mem, ErrorRate: errRate, SuccessRate: 100, Responsive: true}
			breaches := 0
			for _, hit := range []bool{cpu > th.CPUWarning, mem > th.MemoryWarning, errRate > th.ErrorRateWarning} {
				if hit {
					breaches++
				}
			}
			level := Classify(m, 0, th).Level
			switch breaches {
			case 0:
				return level == models.HealthHealthy
			case 1:
				return level == models.HealthWarning
			default:
				return level == models.HealthCritical
			}
		},
		gen.Float64Range(0, th.CPUCritical),
		gen.Float64Range(0, th.MemoryCritical),
		gen.Float64Range(0, th.ErrorRateCritical),
	))

	properties.TestingRun(t)
}

func TestMonitorHeartbeatAging(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(t, clock)

	m.Register("A2")
	assert.Equal(t, models.HealthHealthy, m.Level("A2"))

	m.Evaluate(clock.Advance(150 * time.Second))
	assert.Equal(t, models.HealthWarning, m.Level("A2"))

	transitions := m.Evaluate(clock.Advance(160 * time.Second))
	require.Len(t, transitions, 1)
	assert.Equal(t, Transition{AgentID: "A2", From: models.HealthWarning, To: models.HealthCritical}, transitions[0])

	m.Update("A2", healthy())
	assert.Equal(t, models.HealthHealthy, m.Level("A2"))
}

func TestMonitorTransitionsAndAlerts(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(t, clock)

	var mu sync.Mutex
	var received []models.Alert
	m.OnAlert(func(a models.Alert) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, a)
	})

	m.Register("a1")

	t.Run("no alert for baseline", func(t *testing.T) {
		assert.Empty(t, m.Alerts(0))
	})

	t.Run("breach raises metric and transition alerts", func(t *testing.T) {
		metrics := healthy()
		metrics.CPUUsage = 85
		tr, changed := m.Update("a1", metrics)
		require.True(t, changed)
		assert.Equal(t, models.HealthWarning, tr.To)

		alerts := m.Alerts(0)
		require.Len(t, alerts, 2)
		assert.Equal(t, models.SeverityWarning, alerts[0].Severity)
		assert.Contains(t, alerts[0].Message, "health level changed from healthy to warning")
		assert.Contains(t, alerts[1].Message, "cpu usage")
	})

	t.Run("unchanged breach does not repeat", func(t *testing.T) {
		metrics := healthy()
		metrics.CPUUsage = 86
		_, changed := m.Update("a1", metrics)
		assert.False(t, changed)
		assert.Len(t, m.Alerts(0), 2)
	})

	t.Run("escalation to critical breach", func(t *testing.T) {
		metrics := healthy()
		metrics.CPUUsage = 97
		tr, changed := m.Update("a1", metrics)
		require.True(t, changed)
		assert.Equal(t, models.HealthUnhealthy, tr.To)

		latest := m.Alerts(2)
		require.Len(t, latest, 2)
		for _, a := range latest {
			assert.Equal(t, models.SeverityCritical, a.Severity)
		}
	})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 4
	}, time.Second, 5*time.Millisecond)
}

func TestMonitorUnhealthySince(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(t, clock)
	m.Register("a1")

	bad := healthy()
	bad.Responsive = false
	m.Update("a1", bad)

	status, ok := m.Status("a1")
	require.True(t, ok)
	require.NotNil(t, status.UnhealthySince)
	assert.Contains(t, status.Errors, "agent not responsive")

	now := clock.Advance(11 * time.Minute)
	m.Update("a1", bad)
	assert.Equal(t, []string{"a1"}, m.UnhealthyLongerThan(now, 10*time.Minute))

	m.Update("a1", healthy())
	assert.Empty(t, m.UnhealthyLongerThan(clock.Now(), 0))
}

func TestMonitorBoundedMessages(t *testing.T) {
	clock := newFakeClock()
	cfg := DefaultConfig()
	cfg.MessageHistory = 3
	m := New(cfg, WithLogger(logging.NewNop()), WithClock(clock.Now))
	defer m.Stop()

	m.Register("a1")
	metrics := healthy()
	metrics.CPUUsage = 85
	for i := 0; i < 10; i++ {
		m.Update("a1", metrics)
	}

	status, _ := m.Status("a1")
	assert.Len(t, status.Warnings, 3)
}

func TestSystemSummary(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(t, clock)

	assert.Equal(t, models.HealthUnknown, m.SystemSummary().Overall)

	m.Register("a1")
	m.Register("a2")
	warn := healthy()
	warn.CPUUsage = 90
	m.Update("a2", warn)

	s := m.SystemSummary()
	assert.Equal(t, 2, s.TotalAgents)
	assert.Equal(t, 1, s.Levels[models.HealthHealthy])
	assert.Equal(t, 1, s.Levels[models.HealthWarning])
	assert.Equal(t, models.HealthWarning, s.Overall)
	assert.InDelta(t, 45.0, s.AvgCPU, 0.001)
	assert.NotEmpty(t, s.RecentAlerts)
}

func TestSetThresholdsReclassifies(t *testing.T) {
	clock := newFakeClock()
	m := newTestMonitor(t, clock)
	m.Register("a1")
	metrics := healthy()
	metrics.CPUUsage = 70
	m.Update("a1", metrics)
	require.Equal(t, models.HealthHealthy, m.Level("a1"))

	th := DefaultThresholds()
	th.CPUWarning = 60
	m.SetThresholds(th)
	assert.Equal(t, models.HealthWarning, m.Level("a1"))
}

func TestUnregister(t *testing.T) {
	m := newTestMonitor(t, newFakeClock())
	m.Register("a1")
	assert.True(t, m.Unregister("a1"))
	assert.False(t, m.Unregister("a1"))
	assert.Equal(t, models.HealthUnknown, m.Level("a1"))
	assert.ErrorIs(t, m.Heartbeat("a1"), ErrAgentNotTracked)
}
