// Package health tracks per-agent wellness metrics, derives a discrete
// health level from them and raises alerts on level transitions and
// threshold breaches.
package health

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/syntor/agentcore/internal/actor"
	"github.com/syntor/agentcore/internal/ring"
	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/metrics"
	"github.com/syntor/agentcore/pkg/models"
)

// ErrAgentNotTracked is returned for agents the monitor does not know
var ErrAgentNotTracked = errors.New("agent not tracked")

// Config holds health monitor configuration
type Config struct {
	Thresholds         Thresholds    `json:"thresholds" yaml:"thresholds"`
	EvaluationInterval time.Duration `json:"evaluation_interval" yaml:"evaluation_interval"`
	MessageHistory     int           `json:"message_history" yaml:"message_history"`
	AlertHistory       int           `json:"alert_history" yaml:"alert_history"`
}

// DefaultConfig returns default health monitor configuration
func DefaultConfig() Config {
	return Config{
		Thresholds:         DefaultThresholds(),
		EvaluationInterval: 30 * time.Second,
		MessageHistory:     10,
		AlertHistory:       1000,
	}
}

// Transition records a level change
type Transition struct {
	AgentID string
	From    models.HealthLevel
	To      models.HealthLevel
}

// Summary is the system-wide health view
type Summary struct {
	TotalAgents     int                        `json:"total_agents"`
	Levels          map[models.HealthLevel]int `json:"levels"`
	Overall         models.HealthLevel         `json:"overall"`
	AvgCPU          float64                    `json:"avg_cpu"`
	AvgMemory       float64                    `json:"avg_memory"`
	AvgErrorRate    float64                    `json:"avg_error_rate"`
	AvgResponseTime time.Duration              `json:"avg_response_time"`
	RecentAlerts    []models.Alert             `json:"recent_alerts"`
}

type entry struct {
	metrics        models.HealthMetrics
	level          models.HealthLevel
	warnings       *ring.Buffer[string]
	errors         *ring.Buffer[string]
	lastHeartbeat  time.Time
	unhealthySince *time.Time
	breaches       map[string]models.AlertSeverity
}

// Monitor owns every HealthStatus. All state lives on one actor goroutine.
// Alert callbacks run in raise order on a separate delivery goroutine, so
// they may call back into the monitor or into components that call it.
type Monitor struct {
	config  Config
	loop    *actor.Loop
	alertq  *actor.Loop
	logger  logging.Logger
	metrics metrics.Collector
	now     func() time.Time

	// owned by loop
	agents map[string]*entry
	alerts *ring.Buffer[models.Alert]

	cbMu      sync.RWMutex
	callbacks []func(models.Alert)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Monitor
type Option func(*Monitor)

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics sets the metrics collector
func WithMetrics(c metrics.Collector) Option {
	return func(m *Monitor) { m.metrics = c }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a health monitor
func New(config Config, opts ...Option) *Monitor {
	defaults := DefaultConfig()
	if config.MessageHistory <= 0 {
		config.MessageHistory = defaults.MessageHistory
	}
	if config.AlertHistory <= 0 {
		config.AlertHistory = defaults.AlertHistory
	}
	if config.EvaluationInterval <= 0 {
		config.EvaluationInterval = defaults.EvaluationInterval
	}

	m := &Monitor{
		config: config,
		loop:   actor.New(64),
		alertq: actor.New(1024),
		now:    time.Now,
		agents: make(map[string]*entry),
		alerts: ring.New[models.Alert](config.AlertHistory),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrGlobal(m.logger).With(logging.Component("health"))
	m.metrics = metrics.OrNop(m.metrics)
	return m
}

// Start runs the periodic evaluation loop until ctx is cancelled or Stop is called
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.evaluationLoop(ctx)
}

// Stop halts the evaluation loop and the actor. Alerts not yet delivered
// are dropped.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.loop.Close()
	m.alertq.Close()
}

func (m *Monitor) evaluationLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate(m.now())
		}
	}
}

// OnAlert registers a callback invoked for every alert
func (m *Monitor) OnAlert(fn func(models.Alert)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// SetThresholds replaces the thresholds and re-derives every level
func (m *Monitor) SetThresholds(th Thresholds) {
	now := m.now()
	var raised []models.Alert
	m.do(func() {
		m.config.Thresholds = th
		for id, e := range m.agents {
			raised = append(raised, m.reclassify(id, e, now, false)...)
		}
	})
	m.notify(raised)
}

// Register starts tracking an agent with baseline metrics
func (m *Monitor) Register(agentID string) {
	now := m.now()
	m.do(func() {
		if _, ok := m.agents[agentID]; ok {
			return
		}
		e := &entry{
			metrics:       models.DefaultHealthMetrics(),
			level:         models.HealthUnknown,
			warnings:      ring.New[string](m.config.MessageHistory),
			errors:        ring.New[string](m.config.MessageHistory),
			lastHeartbeat: now,
			breaches:      make(map[string]models.AlertSeverity),
		}
		m.agents[agentID] = e
		// baseline classification is silent
		m.reclassify(agentID, e, now, false)
	})
	m.publishLevels()
}

// Unregister stops tracking an agent
func (m *Monitor) Unregister(agentID string) bool {
	var removed bool
	m.do(func() {
		if _, ok := m.agents[agentID]; ok {
			delete(m.agents, agentID)
			removed = true
		}
	})
	if removed {
		m.publishLevels()
	}
	return removed
}

// Update ingests a metrics snapshot, which also counts as a heartbeat.
// It returns the level transition when the level changed.
func (m *Monitor) Update(agentID string, hm models.HealthMetrics) (Transition, bool) {
	now := m.now()
	var (
		raised     []models.Alert
		transition Transition
		changed    bool
	)
	err := m.do(func() {
		e, ok := m.agents[agentID]
		if !ok {
			return
		}
		from := e.level
		e.metrics = hm
		e.lastHeartbeat = now
		raised = m.reclassify(agentID, e, now, true)
		if e.level != from {
			transition = Transition{AgentID: agentID, From: from, To: e.level}
			changed = true
		}
	})
	if err != nil {
		return Transition{}, false
	}
	m.notify(raised)
	if changed {
		m.publishLevels()
	}
	return transition, changed
}

// Heartbeat refreshes an agent's heartbeat without new metrics
func (m *Monitor) Heartbeat(agentID string) error {
	now := m.now()
	var (
		raised []models.Alert
		known  bool
	)
	m.do(func() {
		e, ok := m.agents[agentID]
		if !ok {
			return
		}
		known = true
		e.lastHeartbeat = now
		raised = m.reclassify(agentID, e, now, false)
	})
	if !known {
		return fmt.Errorf("heartbeat for %s: %w", agentID, ErrAgentNotTracked)
	}
	m.notify(raised)
	return nil
}

// Evaluate re-derives every level against now, so heartbeat age is taken
// into account for agents that went quiet
func (m *Monitor) Evaluate(now time.Time) []Transition {
	var (
		raised      []models.Alert
		transitions []Transition
	)
	m.do(func() {
		ids := make([]string, 0, len(m.agents))
		for id := range m.agents {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			e := m.agents[id]
			from := e.level
			raised = append(raised, m.reclassify(id, e, now, false)...)
			if e.level != from {
				transitions = append(transitions, Transition{AgentID: id, From: from, To: e.level})
			}
		}
	})
	m.notify(raised)
	if len(transitions) > 0 {
		m.publishLevels()
	}
	return transitions
}

// Status returns a snapshot of one agent's health
func (m *Monitor) Status(agentID string) (models.HealthStatus, bool) {
	var (
		status models.HealthStatus
		ok     bool
	)
	m.do(func() {
		e, found := m.agents[agentID]
		if !found {
			return
		}
		status, ok = snapshot(agentID, e), true
	})
	return status, ok
}

// Level returns an agent's level; unknown for untracked agents
func (m *Monitor) Level(agentID string) models.HealthLevel {
	level := models.HealthUnknown
	m.do(func() {
		if e, ok := m.agents[agentID]; ok {
			level = e.level
		}
	})
	return level
}

// UnhealthyLongerThan lists agents continuously unhealthy for more than
// grace as of now, sorted by id
func (m *Monitor) UnhealthyLongerThan(now time.Time, grace time.Duration) []string {
	var ids []string
	m.do(func() {
		for id, e := range m.agents {
			if e.unhealthySince != nil && now.Sub(*e.unhealthySince) > grace {
				ids = append(ids, id)
			}
		}
	})
	sort.Strings(ids)
	return ids
}

// Alerts returns up to limit of the newest alerts, oldest first.
// limit <= 0 returns the whole history.
func (m *Monitor) Alerts(limit int) []models.Alert {
	var out []models.Alert
	m.do(func() {
		out = m.alerts.Last(limit)
	})
	return out
}

// SystemSummary aggregates every tracked agent
func (m *Monitor) SystemSummary() Summary {
	s := Summary{
		Levels:  make(map[models.HealthLevel]int),
		Overall: models.HealthUnknown,
	}
	m.do(func() {
		s.TotalAgents = len(m.agents)
		var responseTotal time.Duration
		first := true
		for _, e := range m.agents {
			s.Levels[e.level]++
			s.AvgCPU += e.metrics.CPUUsage
			s.AvgMemory += e.metrics.MemoryUsage
			s.AvgErrorRate += e.metrics.ErrorRate
			responseTotal += e.metrics.ResponseTime
			if first || e.level.Worse(s.Overall) {
				s.Overall = e.level
				first = false
			}
		}
		if n := len(m.agents); n > 0 {
			s.AvgCPU /= float64(n)
			s.AvgMemory /= float64(n)
			s.AvgErrorRate /= float64(n)
			s.AvgResponseTime = responseTotal / time.Duration(n)
		}
		s.RecentAlerts = m.alerts.Last(10)
	})
	return s
}

// reclassify recomputes the level of e and returns the alerts raised.
// withBreaches controls per-metric breach alerts, which only fresh metrics
// can produce. Runs on the actor goroutine.
func (m *Monitor) reclassify(agentID string, e *entry, now time.Time, withBreaches bool) []models.Alert {
	c := Classify(e.metrics, now.Sub(e.lastHeartbeat), m.config.Thresholds)
	var raised []models.Alert

	if c.Level != e.level {
		if e.level != models.HealthUnknown || c.Level != models.HealthHealthy {
			raised = append(raised, m.record(models.Alert{
				Timestamp: now,
				AgentID:   agentID,
				Severity:  levelSeverity(c.Level),
				Message:   fmt.Sprintf("health level changed from %s to %s", e.level, c.Level),
			}))
		}
		m.logger.Info("agent health level changed",
			logging.AgentID(agentID),
			logging.String("from", string(e.level)),
			logging.String("to", string(c.Level)),
		)
		e.level = c.Level
	}

	if c.Level == models.HealthUnhealthy {
		if e.unhealthySince == nil {
			t := now
			e.unhealthySince = &t
		}
	} else {
		e.unhealthySince = nil
	}

	for _, w := range c.Warnings {
		e.warnings.Push(w)
	}
	for _, msg := range c.Errors {
		e.errors.Push(msg)
	}

	if withBreaches {
		current := metricBreaches(e.metrics, m.config.Thresholds)
		names := make([]string, 0, len(current))
		for name := range current {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b := current[name]
			if e.breaches[name] == b.severity {
				continue
			}
			raised = append(raised, m.record(models.Alert{
				Timestamp: now,
				AgentID:   agentID,
				Severity:  b.severity,
				Message:   b.message,
			}))
		}
		e.breaches = make(map[string]models.AlertSeverity, len(current))
		for name, b := range current {
			e.breaches[name] = b.severity
		}
	}
	return raised
}

func (m *Monitor) record(a models.Alert) models.Alert {
	m.alerts.Push(a)
	m.metrics.IncrementCounter(metrics.HealthAlerts.Name, metrics.Labels("severity", string(a.Severity)))
	return a
}

func (m *Monitor) notify(alerts []models.Alert) {
	if len(alerts) == 0 {
		return
	}
	m.cbMu.RLock()
	callbacks := slices.Clone(m.callbacks)
	m.cbMu.RUnlock()

	if len(callbacks) == 0 {
		return
	}
	err := m.alertq.Post(func() {
		for _, a := range alerts {
			for _, cb := range callbacks {
				cb(a)
			}
		}
	})
	if err != nil {
		m.logger.Debug("health monitor stopped, dropping alerts", logging.Int("alerts", len(alerts)))
	}
}

func (m *Monitor) publishLevels() {
	counts := make(map[models.HealthLevel]int)
	m.do(func() {
		for _, e := range m.agents {
			counts[e.level]++
		}
	})
	for _, level := range []models.HealthLevel{
		models.HealthHealthy, models.HealthWarning, models.HealthCritical,
		models.HealthUnhealthy, models.HealthUnknown,
	} {
		m.metrics.SetGauge(metrics.AgentsByHealth.Name, float64(counts[level]), metrics.Labels("level", string(level)))
	}
}

func (m *Monitor) do(fn func()) error {
	if err := m.loop.Do(fn); err != nil {
		m.logger.Debug("health monitor stopped, dropping operation")
		return err
	}
	return nil
}

func snapshot(agentID string, e *entry) models.HealthStatus {
	s := models.HealthStatus{
		AgentID:       agentID,
		Metrics:       e.metrics,
		Level:         e.level,
		Warnings:      e.warnings.Values(),
		Errors:        e.errors.Values(),
		LastHeartbeat: e.lastHeartbeat,
	}
	if e.unhealthySince != nil {
		t := *e.unhealthySince
		s.UnhealthySince = &t
	}
	return s
}
