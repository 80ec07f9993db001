// Package registry implements the agent directory: registration, the
// capability index, best-candidate selection, mailbox routing and
// eviction of stale or unhealthy agents.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/syntor/agentcore/internal/actor"
	"github.com/syntor/agentcore/pkg/events"
	"github.com/syntor/agentcore/pkg/health"
	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/metrics"
	"github.com/syntor/agentcore/pkg/models"
)

var (
	ErrAgentExists   = errors.New("agent already registered")
	ErrAgentNotFound = errors.New("agent not found")
	ErrInvalidAgent  = errors.New("invalid agent")
	ErrCapacity      = errors.New("load outside agent capacity")
)

// Config holds configuration for the directory
type Config struct {
	MailboxSize      int            `json:"mailbox_size" yaml:"mailbox_size"`
	EvictionInterval time.Duration  `json:"eviction_interval" yaml:"eviction_interval"`
	StaleCutoff      time.Duration  `json:"stale_cutoff" yaml:"stale_cutoff"`
	UnhealthyGrace   time.Duration  `json:"unhealthy_grace" yaml:"unhealthy_grace"`
	Weights          ScoringWeights `json:"weights" yaml:"weights"`
}

// DefaultConfig returns default directory configuration
func DefaultConfig() Config {
	return Config{
		MailboxSize:      256,
		EvictionInterval: 5 * time.Minute,
		StaleCutoff:      10 * time.Minute,
		UnhealthyGrace:   10 * time.Minute,
		Weights:          DefaultScoringWeights(),
	}
}

// AgentSpec describes an agent at registration time
type AgentSpec struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Capabilities   []string          `json:"capabilities"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	MaxConcurrency int               `json:"max_concurrency"`
}

// Selection narrows FindBestAgent
type Selection struct {
	Required    []string
	Preferred   []string
	Excluded    []string
	LoadBalance bool
}

// EvictionReason says why an agent was dropped
type EvictionReason string

const (
	EvictStaleHeartbeat EvictionReason = "stale_heartbeat"
	EvictUnhealthy      EvictionReason = "unhealthy"
)

type agentEntry struct {
	record  models.AgentRecord
	mailbox *Mailbox
}

// Directory owns every AgentRecord. Its maps live on one actor goroutine;
// the health monitor is the only component it calls into.
type Directory struct {
	config  Config
	loop    *actor.Loop
	monitor *health.Monitor
	logger  logging.Logger
	metrics metrics.Collector
	events  events.Publisher
	now     func() time.Time

	// owned by loop
	agents       map[string]*agentEntry
	capabilities map[string]idSet

	cbMu      sync.RWMutex
	onEvicted []func(agentID string)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Directory
type Option func(*Directory)

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(d *Directory) { d.logger = l }
}

// WithMetrics sets the metrics collector
func WithMetrics(c metrics.Collector) Option {
	return func(d *Directory) { d.metrics = c }
}

// WithEvents sets the event publisher
func WithEvents(p events.Publisher) Option {
	return func(d *Directory) { d.events = p }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// New creates a directory reporting to monitor
func New(config Config, monitor *health.Monitor, opts ...Option) *Directory {
	defaults := DefaultConfig()
	if config.MailboxSize <= 0 {
		config.MailboxSize = defaults.MailboxSize
	}
	if config.EvictionInterval <= 0 {
		config.EvictionInterval = defaults.EvictionInterval
	}
	if config.StaleCutoff <= 0 {
		config.StaleCutoff = defaults.StaleCutoff
	}
	if config.UnhealthyGrace <= 0 {
		config.UnhealthyGrace = defaults.UnhealthyGrace
	}
	if config.Weights == (ScoringWeights{}) {
		config.Weights = defaults.Weights
	}

	d := &Directory{
		config:       config,
		loop:         actor.New(256),
		monitor:      monitor,
		now:          time.Now,
		agents:       make(map[string]*agentEntry),
		capabilities: make(map[string]idSet),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrGlobal(d.logger).With(logging.Component("directory"))
	d.metrics = metrics.OrNop(d.metrics)
	d.events = events.OrNop(d.events)
	return d
}

// Start runs the eviction loop until ctx is cancelled or Stop is called
func (d *Directory) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.evictionLoop(ctx)
}

// Stop halts the eviction loop and the actor. Mailboxes are closed so
// blocked receivers return.
func (d *Directory) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.loop.Do(func() {
		for _, e := range d.agents {
			e.mailbox.close()
		}
	})
	d.loop.Close()
}

func (d *Directory) evictionLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.EvictStale(d.now())
		}
	}
}

// OnEvict registers a callback run for every evicted agent, after the
// agent is gone from the directory
func (d *Directory) OnEvict(fn func(agentID string)) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.onEvicted = append(d.onEvicted, fn)
}

// Register adds an agent, indexes it under every capability and starts
// health tracking
func (d *Directory) Register(spec AgentSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("%w: agent id is required", ErrInvalidAgent)
	}
	if spec.MaxConcurrency < 0 {
		return fmt.Errorf("%w: negative max concurrency for %s", ErrInvalidAgent, spec.ID)
	}

	now := d.now()
	var err error
	doErr := d.loop.Do(func() {
		if _, exists := d.agents[spec.ID]; exists {
			err = fmt.Errorf("failed to register %s: %w", spec.ID, ErrAgentExists)
			return
		}

		caps := dedupe(spec.Capabilities)
		d.agents[spec.ID] = &agentEntry{
			record: models.AgentRecord{
				ID:             spec.ID,
				Type:           spec.Type,
				Capabilities:   caps,
				Metadata:       copyMetadata(spec.Metadata),
				Status:         models.AgentIdle,
				MaxConcurrency: spec.MaxConcurrency,
				Performance:    models.PerformanceStats{SuccessRate: 100},
				RegisteredAt:   now,
				LastHeartbeat:  now,
			},
			mailbox: newMailbox(d.config.MailboxSize, d.now),
		}
		for _, c := range caps {
			set, ok := d.capabilities[c]
			if !ok {
				set = make(idSet)
				d.capabilities[c] = set
			}
			set[spec.ID] = struct{}{}
		}
		if d.monitor != nil {
			d.monitor.Register(spec.ID)
		}
		d.metrics.SetGauge(metrics.RegisteredAgents.Name, float64(len(d.agents)), nil)
	})
	if doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}

	d.logger.Info("agent registered",
		logging.AgentID(spec.ID),
		logging.String("type", spec.Type),
		logging.Any("capabilities", spec.Capabilities),
		logging.Int("max_concurrency", spec.MaxConcurrency),
	)
	d.events.Publish(events.New(events.AgentRegistered, map[string]any{
		"type":            spec.Type,
		"capabilities":    spec.Capabilities,
		"max_concurrency": spec.MaxConcurrency,
	}).ForAgent(spec.ID))
	return nil
}

// Unregister removes an agent from every index, closes its mailbox and
// stops health tracking
func (d *Directory) Unregister(agentID string) bool {
	var removed bool
	d.loop.Do(func() {
		removed = d.remove(agentID)
	})
	if removed {
		d.logger.Info("agent unregistered", logging.AgentID(agentID))
		d.events.Publish(events.New(events.AgentUnregistered, nil).ForAgent(agentID))
	}
	return removed
}

// remove runs on the actor goroutine
func (d *Directory) remove(agentID string) bool {
	e, ok := d.agents[agentID]
	if !ok {
		return false
	}
	for _, c := range e.record.Capabilities {
		if set, ok := d.capabilities[c]; ok {
			delete(set, agentID)
			if len(set) == 0 {
				delete(d.capabilities, c)
			}
		}
	}
	e.mailbox.close()
	delete(d.agents, agentID)
	if d.monitor != nil {
		d.monitor.Unregister(agentID)
	}
	d.metrics.SetGauge(metrics.RegisteredAgents.Name, float64(len(d.agents)), nil)
	return true
}

// FindByCapability returns the sorted ids indexed under capability,
// optionally restricted to the given statuses
func (d *Directory) FindByCapability(capability string, statuses ...models.AgentStatus) []string {
	var out []string
	d.loop.Do(func() {
		for _, id := range sortedIDs(d.capabilities[capability]) {
			if len(statuses) > 0 && !hasStatus(d.agents[id].record.Status, statuses) {
				continue
			}
			out = append(out, id)
		}
	})
	return out
}

// FindBestAgent picks the agent to hand work to. Candidates hold every
// required capability, are not excluded, are idle or busy with spare
// capacity and are not unhealthy. When any preferred agent qualifies the
// choice is limited to preferred agents.
func (d *Directory) FindBestAgent(sel Selection) (string, bool) {
	var (
		id    string
		found bool
	)
	d.loop.Do(func() {
		var ids []string
		if len(sel.Required) == 0 {
			ids = make([]string, 0, len(d.agents))
			for agentID := range d.agents {
				ids = append(ids, agentID)
			}
			sort.Strings(ids)
		} else {
			sets := make([]idSet, 0, len(sel.Required))
			for _, c := range sel.Required {
				set, ok := d.capabilities[c]
				if !ok {
					return
				}
				sets = append(sets, set)
			}
			ids = intersect(sets)
		}

		excluded := toSet(sel.Excluded)
		preferred := toSet(sel.Preferred)
		var eligible, preferredEligible []Candidate
		for _, agentID := range ids {
			if _, skip := excluded[agentID]; skip {
				continue
			}
			rec := d.agents[agentID].record
			if !rec.Status.Available() || rec.Load >= rec.MaxConcurrency {
				continue
			}
			if d.monitor != nil && d.monitor.Level(agentID) == models.HealthUnhealthy {
				continue
			}
			c := Candidate{
				ID:              agentID,
				Load:            rec.Load,
				MaxConcurrency:  rec.MaxConcurrency,
				SuccessRate:     rec.Performance.SuccessRate,
				AvgResponseTime: rec.Performance.AvgResponseTime,
			}
			eligible = append(eligible, c)
			if _, ok := preferred[agentID]; ok {
				preferredEligible = append(preferredEligible, c)
			}
		}
		if len(preferredEligible) > 0 {
			eligible = preferredEligible
		}
		id, found = selectBest(eligible, d.config.Weights, sel.LoadBalance)
	})
	return id, found
}

// RouteMessage delivers an envelope. Direct envelopes go to the named
// agent; broadcasts go to every agent holding one of the target
// capabilities, or to every agent when none are set. Expired or invalid
// envelopes are never delivered. Returns true if at least one mailbox
// accepted the envelope.
func (d *Directory) RouteMessage(env models.Envelope) bool {
	if err := env.Validate(); err != nil {
		d.countRoute(env.Kind, "invalid")
		d.logger.Warn("refusing invalid envelope", logging.Err(err))
		return false
	}
	if env.IsExpiredAt(d.now()) {
		d.countRoute(env.Kind, "expired")
		return false
	}

	delivered, dropped := 0, 0
	d.loop.Do(func() {
		var recipients []string
		switch {
		case !env.IsBroadcast():
			recipients = []string{env.Recipient}
		case len(env.TargetCapabilities) > 0:
			sets := make([]idSet, 0, len(env.TargetCapabilities))
			for _, c := range env.TargetCapabilities {
				if set, ok := d.capabilities[c]; ok {
					sets = append(sets, set)
				}
			}
			recipients = union(sets)
		default:
			recipients = make([]string, 0, len(d.agents))
			for id := range d.agents {
				recipients = append(recipients, id)
			}
		}

		for _, id := range recipients {
			e, ok := d.agents[id]
			if !ok {
				dropped++
				continue
			}
			if e.mailbox.offer(env) {
				delivered++
			} else {
				dropped++
			}
		}
	})

	if delivered > 0 {
		d.countRoute(env.Kind, "delivered")
	}
	if dropped > 0 {
		d.countRoute(env.Kind, "dropped")
		d.logger.Debug("envelope not delivered to every recipient",
			logging.String("envelope_id", env.ID),
			logging.String("recipient", env.Recipient),
			logging.Int("dropped", dropped),
		)
	}
	return delivered > 0
}

func (d *Directory) countRoute(kind models.MessageKind, outcome string) {
	d.metrics.IncrementCounter(metrics.EnvelopesRouted.Name, metrics.Labels("kind", string(kind), "outcome", outcome))
}

// UpdateLoad adjusts an agent's load by delta. Changes that would leave
// the range [0, maxConcurrency] are rejected.
func (d *Directory) UpdateLoad(agentID string, delta int) error {
	var err error
	d.loop.Do(func() {
		e, ok := d.agents[agentID]
		if !ok {
			err = fmt.Errorf("update load of %s: %w", agentID, ErrAgentNotFound)
			return
		}
		next := e.record.Load + delta
		if next < 0 || next > e.record.MaxConcurrency {
			err = fmt.Errorf("update load of %s to %d (max %d): %w", agentID, next, e.record.MaxConcurrency, ErrCapacity)
			return
		}
		e.record.Load = next
	})
	return err
}

// Acquire takes one unit of an available agent's capacity
func (d *Directory) Acquire(agentID string) bool {
	var ok bool
	d.loop.Do(func() {
		e, found := d.agents[agentID]
		if !found || !e.record.Status.Available() || e.record.Load >= e.record.MaxConcurrency {
			return
		}
		e.record.Load++
		ok = true
	})
	return ok
}

// Release gives back one unit of capacity; it never drops below zero
func (d *Directory) Release(agentID string) {
	d.loop.Do(func() {
		if e, ok := d.agents[agentID]; ok && e.record.Load > 0 {
			e.record.Load--
		}
	})
}

// UpdatePerformance folds one task outcome into the agent's rolling stats.
// Response time is an exponential moving average seeded by the first
// sample; success rate is completed/(completed+failed).
func (d *Directory) UpdatePerformance(agentID string, success bool, responseTime time.Duration) error {
	const alpha = 0.1

	var err error
	d.loop.Do(func() {
		e, ok := d.agents[agentID]
		if !ok {
			err = fmt.Errorf("update performance of %s: %w", agentID, ErrAgentNotFound)
			return
		}
		p := &e.record.Performance
		if p.Completed+p.Failed == 0 {
			p.AvgResponseTime = responseTime
		} else {
			p.AvgResponseTime = time.Duration(alpha*float64(responseTime) + (1-alpha)*float64(p.AvgResponseTime))
		}
		if success {
			p.Completed++
		} else {
			p.Failed++
		}
		p.SuccessRate = float64(p.Completed) / float64(p.Completed+p.Failed) * 100
	})
	return err
}

// SetStatus changes an agent's operational status
func (d *Directory) SetStatus(agentID string, status models.AgentStatus) error {
	var (
		err     error
		changed bool
	)
	d.loop.Do(func() {
		e, ok := d.agents[agentID]
		if !ok {
			err = fmt.Errorf("set status of %s: %w", agentID, ErrAgentNotFound)
			return
		}
		changed = e.record.Status != status
		e.record.Status = status
	})
	if changed {
		d.events.Publish(events.New(events.AgentStatusChanged, map[string]any{"status": status}).ForAgent(agentID))
	}
	return err
}

// Heartbeat records liveness and forwards the metrics to the health monitor
func (d *Directory) Heartbeat(agentID string, hm models.HealthMetrics) error {
	now := d.now()
	var err error
	d.loop.Do(func() {
		e, ok := d.agents[agentID]
		if !ok {
			err = fmt.Errorf("heartbeat from %s: %w", agentID, ErrAgentNotFound)
			return
		}
		e.record.LastHeartbeat = now
	})
	if err == nil && d.monitor != nil {
		d.monitor.Update(agentID, hm)
	}
	return err
}

// Get returns a copy of an agent record
func (d *Directory) Get(agentID string) (models.AgentRecord, bool) {
	var (
		rec models.AgentRecord
		ok  bool
	)
	d.loop.Do(func() {
		if e, found := d.agents[agentID]; found {
			rec, ok = cloneRecord(e.record), true
		}
	})
	return rec, ok
}

// List returns copies of every agent record, sorted by id
func (d *Directory) List() []models.AgentRecord {
	var out []models.AgentRecord
	d.loop.Do(func() {
		out = make([]models.AgentRecord, 0, len(d.agents))
		for _, e := range d.agents {
			out = append(out, cloneRecord(e.record))
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mailbox returns an agent's mailbox
func (d *Directory) Mailbox(agentID string) (*Mailbox, bool) {
	var (
		mb *Mailbox
		ok bool
	)
	d.loop.Do(func() {
		if e, found := d.agents[agentID]; found {
			mb, ok = e.mailbox, true
		}
	})
	return mb, ok
}

// Count returns the number of registered agents
func (d *Directory) Count() int {
	var n int
	d.loop.Do(func() { n = len(d.agents) })
	return n
}

// EvictStale runs one eviction cycle: agents whose last heartbeat is older
// than StaleCutoff, or that have been unhealthy for longer than
// UnhealthyGrace, are unregistered. Returns the evicted ids.
func (d *Directory) EvictStale(now time.Time) []string {
	reasons := make(map[string]EvictionReason)
	if d.monitor != nil {
		for _, id := range d.monitor.UnhealthyLongerThan(now, d.config.UnhealthyGrace) {
			reasons[id] = EvictUnhealthy
		}
	}

	var evicted []string
	d.loop.Do(func() {
		for id, e := range d.agents {
			if now.Sub(e.record.LastHeartbeat) > d.config.StaleCutoff {
				reasons[id] = EvictStaleHeartbeat
			}
		}
		for id := range reasons {
			if d.remove(id) {
				evicted = append(evicted, id)
			}
		}
	})
	sort.Strings(evicted)

	if len(evicted) == 0 {
		return nil
	}

	d.cbMu.RLock()
	callbacks := slices.Clone(d.onEvicted)
	d.cbMu.RUnlock()

	for _, id := range evicted {
		reason := reasons[id]
		d.logger.Warn("agent evicted", logging.AgentID(id), logging.String("reason", string(reason)))
		d.metrics.IncrementCounter(metrics.AgentEvictions.Name, metrics.Labels("reason", string(reason)))
		d.events.Publish(events.New(events.AgentEvicted, map[string]any{"reason": reason}).ForAgent(id))
		for _, cb := range callbacks {
			cb(id)
		}
	}
	return evicted
}

func hasStatus(s models.AgentStatus, statuses []models.AgentStatus) bool {
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRecord(r models.AgentRecord) models.AgentRecord {
	r.Capabilities = append([]string(nil), r.Capabilities...)
	r.Metadata = copyMetadata(r.Metadata)
	return r
}
