// Package coordinator owns every task and workflow execution. It queues
// submitted tasks by priority, waits out their dependencies, hands them to
// the best agent the directory can find and follows them to a terminal
// state through results, rejections, timeouts and retries.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/syntor/agentcore/internal/actor"
	"github.com/syntor/agentcore/pkg/events"
	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/metrics"
	"github.com/syntor/agentcore/pkg/models"
	"github.com/syntor/agentcore/pkg/registry"
	"github.com/syntor/agentcore/pkg/resilience"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrExecutionNotFound = errors.New("workflow execution not found")
	ErrInvalidTask       = errors.New("invalid task")
	ErrInvalidWorkflow   = errors.New("invalid workflow")
)

// Config holds configuration for the coordinator
type Config struct {
	SchedulerInterval    time.Duration      `json:"scheduler_interval" yaml:"scheduler_interval"`
	MonitorInterval      time.Duration      `json:"monitor_interval" yaml:"monitor_interval"`
	WorkflowInterval     time.Duration      `json:"workflow_interval" yaml:"workflow_interval"`
	MaxDispatchPerTick   int                `json:"max_dispatch_per_tick" yaml:"max_dispatch_per_tick"`
	DependencyRetryDelay time.Duration      `json:"dependency_retry_delay" yaml:"dependency_retry_delay"`
	NoAgentRetryDelay    time.Duration      `json:"no_agent_retry_delay" yaml:"no_agent_retry_delay"`
	AssignmentGrace      time.Duration      `json:"assignment_grace" yaml:"assignment_grace"`
	DefaultTimeout       time.Duration      `json:"default_timeout" yaml:"default_timeout"`
	InboxPollTimeout     time.Duration      `json:"inbox_poll_timeout" yaml:"inbox_poll_timeout"`
	Backoff              resilience.Backoff `json:"backoff" yaml:"backoff"`
}

// DefaultConfig returns default coordinator configuration
func DefaultConfig() Config {
	return Config{
		SchedulerInterval:    100 * time.Millisecond,
		MonitorInterval:      10 * time.Second,
		WorkflowInterval:     time.Second,
		MaxDispatchPerTick:   100,
		DependencyRetryDelay: time.Second,
		NoAgentRetryDelay:    5 * time.Second,
		AssignmentGrace:      5 * time.Minute,
		DefaultTimeout:       models.DefaultTaskTimeout,
		InboxPollTimeout:     time.Second,
		Backoff:              resilience.DefaultBackoff(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = d.SchedulerInterval
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.WorkflowInterval <= 0 {
		c.WorkflowInterval = d.WorkflowInterval
	}
	if c.MaxDispatchPerTick <= 0 {
		c.MaxDispatchPerTick = d.MaxDispatchPerTick
	}
	if c.DependencyRetryDelay <= 0 {
		c.DependencyRetryDelay = d.DependencyRetryDelay
	}
	if c.NoAgentRetryDelay <= 0 {
		c.NoAgentRetryDelay = d.NoAgentRetryDelay
	}
	if c.AssignmentGrace <= 0 {
		c.AssignmentGrace = d.AssignmentGrace
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.InboxPollTimeout <= 0 {
		c.InboxPollTimeout = d.InboxPollTimeout
	}
	if c.Backoff == (resilience.Backoff{}) {
		c.Backoff = d.Backoff
	}
	return c
}

// Stats is a snapshot of the coordinator's bookkeeping
type Stats struct {
	Tasks            int                       `json:"tasks"`
	ByStatus         map[models.TaskStatus]int `json:"by_status"`
	Ready            int                       `json:"ready"`
	Delayed          int                       `json:"delayed"`
	Workflows        int                       `json:"workflows"`
	Executions       int                       `json:"executions"`
	ActiveExecutions int                       `json:"active_executions"`
}

type taskEntry struct {
	task  models.Task
	score int
	seq   uint64
}

func (e *taskEntry) item() *queueItem {
	return &queueItem{taskID: e.task.ID, score: e.score, seq: e.seq}
}

// Coordinator is the sole owner of Task and WorkflowExecution state. All
// of it lives on one actor goroutine; the directory is the only component
// it calls into.
type Coordinator struct {
	config    Config
	directory *registry.Directory
	loop      *actor.Loop
	logger    logging.Logger
	metrics   metrics.Collector
	events    events.Publisher
	schemas   *models.ParamsSchemas
	now       func() time.Time

	// owned by loop
	tasks      map[string]*taskEntry
	queue      *taskQueue
	seq        uint64
	entropy    io.Reader
	workflows  map[string]models.Workflow
	executions map[string]*execution

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the metrics collector
func WithMetrics(m metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithEvents sets the event publisher
func WithEvents(p events.Publisher) Option {
	return func(c *Coordinator) { c.events = p }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithParamsSchemas checks raw task params against their typed variants
// at submission and workflow registration
func WithParamsSchemas(s *models.ParamsSchemas) Option {
	return func(c *Coordinator) { c.schemas = s }
}

// New creates a coordinator that assigns work through directory
func New(config Config, directory *registry.Directory, opts ...Option) *Coordinator {
	c := &Coordinator{
		config:     config.withDefaults(),
		directory:  directory,
		loop:       actor.New(256),
		now:        time.Now,
		tasks:      make(map[string]*taskEntry),
		queue:      newTaskQueue(),
		workflows:  make(map[string]models.Workflow),
		executions: make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrGlobal(c.logger).With(logging.Component("coordinator"))
	c.metrics = metrics.OrNop(c.metrics)
	c.events = events.OrNop(c.events)
	c.entropy = ulid.Monotonic(rand.New(rand.NewSource(c.now().UnixNano())), 0)
	return c
}

// Start registers the coordinator in the directory under its reserved id
// and runs the scheduler, monitor, workflow and inbox loops until ctx is
// cancelled or Stop is called
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.attach(); err != nil {
		return err
	}
	mailbox, ok := c.directory.Mailbox(models.CoordinatorID)
	if !ok {
		return fmt.Errorf("coordinator mailbox: %w", registry.ErrAgentNotFound)
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go c.run(ctx)
	go c.receive(ctx, mailbox)

	c.logger.Info("coordinator started",
		logging.Duration("scheduler_interval", c.config.SchedulerInterval),
		logging.Duration("monitor_interval", c.config.MonitorInterval),
	)
	return nil
}

// attach registers the coordinator's directory entry and eviction hook
func (c *Coordinator) attach() error {
	err := c.directory.Register(registry.AgentSpec{
		ID:   models.CoordinatorID,
		Type: models.CoordinatorID,
	})
	if err != nil {
		return fmt.Errorf("register coordinator: %w", err)
	}
	c.directory.OnEvict(c.handleEviction)
	return nil
}

// Stop halts every loop and removes the coordinator from the directory
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.directory.Unregister(models.CoordinatorID)
	c.loop.Close()
	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	scheduler := time.NewTicker(c.config.SchedulerInterval)
	defer scheduler.Stop()
	monitor := time.NewTicker(c.config.MonitorInterval)
	defer monitor.Stop()
	workflows := time.NewTicker(c.config.WorkflowInterval)
	defer workflows.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-scheduler.C:
			if err := c.directory.Heartbeat(models.CoordinatorID, models.DefaultHealthMetrics()); err != nil {
				c.logger.Warn("coordinator heartbeat failed", logging.Err(err))
			}
			c.loop.Do(func() { c.scheduleStep(c.now()) })
		case <-monitor.C:
			c.loop.Do(func() { c.monitorStep(c.now()) })
		case <-workflows.C:
			c.loop.Do(func() { c.workflowStep(c.now()) })
		}
	}
}

func (c *Coordinator) receive(ctx context.Context, mailbox *registry.Mailbox) {
	defer c.wg.Done()

	for {
		env, err := mailbox.Receive(ctx, c.config.InboxPollTimeout)
		switch {
		case err == nil:
			c.handleEnvelope(ctx, env)
		case errors.Is(err, registry.ErrReceiveTimeout):
			continue
		default:
			return
		}
	}
}

// Submit validates a task and queues it. boost is added to the priority
// score. Returns the task id, generated when the task has none.
func (c *Coordinator) Submit(task models.Task, boost int) (string, error) {
	params, err := c.schemas.Resolve(task.Type, task.Params)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}
	task.Params = params
	if err := task.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidTask, err)
	}

	var id string
	if doErr := c.loop.Do(func() {
		id, err = c.submit(task, boost, c.now())
	}); doErr != nil {
		return "", doErr
	}
	return id, err
}

// submit runs on the actor goroutine
func (c *Coordinator) submit(task models.Task, boost int, now time.Time) (string, error) {
	task = task.Clone()
	if task.ID == "" {
		task.ID = c.newID(now)
	} else if _, exists := c.tasks[task.ID]; exists {
		return "", fmt.Errorf("%w: %w", ErrInvalidTask,
			&models.ValidationError{Field: "id", Message: fmt.Sprintf("duplicate task id %q", task.ID)})
	}
	for _, d := range task.Dependencies {
		if d.TaskID == task.ID {
			return "", fmt.Errorf("%w: %w", ErrInvalidTask,
				&models.ValidationError{Field: "dependencies", Message: "task cannot depend on itself"})
		}
		if _, ok := c.tasks[d.TaskID]; !ok {
			return "", fmt.Errorf("%w: %w", ErrInvalidTask,
				&models.ValidationError{Field: "dependencies", Message: fmt.Sprintf("unknown dependency %q", d.TaskID)})
		}
	}
	if task.Timeout == 0 {
		task.Timeout = c.config.DefaultTimeout
	}

	task.Status = models.TaskQueued
	task.CreatedAt = now
	task.QueuedAt = timePtr(now)
	task.AssignedAgent = ""
	task.AssignedAt, task.StartedAt, task.EndedAt = nil, nil, nil
	task.Result = nil
	task.RetryCount = 0

	c.seq++
	e := &taskEntry{task: task, score: task.Priority.Score() + boost, seq: c.seq}
	c.tasks[task.ID] = e
	c.queue.push(e.item())

	c.metrics.IncrementCounter(metrics.TasksSubmitted.Name,
		metrics.Labels("task_type", task.Type, "priority", task.Priority.String()))
	c.events.Publish(events.New(events.TaskSubmitted, map[string]any{
		"type":     task.Type,
		"priority": task.Priority.String(),
	}).ForTask(task.ID))
	c.logger.Debug("task submitted",
		logging.TaskID(task.ID),
		logging.String("type", task.Type),
		logging.String("priority", task.Priority.String()),
		logging.Int("boost", boost),
	)
	return task.ID, nil
}

// Cancel moves a live task to CANCELLED. An assigned agent is told to
// abort but the coordinator does not wait for it.
func (c *Coordinator) Cancel(taskID string) bool {
	var ok bool
	c.loop.Do(func() {
		ok = c.cancelTask(taskID, "cancelled by caller", c.now())
	})
	return ok
}

// cancelTask runs on the actor goroutine
func (c *Coordinator) cancelTask(taskID, reason string, now time.Time) bool {
	e, ok := c.tasks[taskID]
	if !ok || e.task.Status.Terminal() {
		return false
	}
	t := &e.task
	if agentID := t.AssignedAgent; agentID != "" && isActive(t.Status) {
		c.directory.Release(agentID)
		c.sendCancel(t, reason)
	}
	t.Status = models.TaskCancelled
	t.LastError = reason
	c.finish(e, now)
	return true
}

// Status returns a task's current status
func (c *Coordinator) Status(taskID string) (models.TaskStatus, bool) {
	var (
		status models.TaskStatus
		ok     bool
	)
	c.loop.Do(func() {
		if e, found := c.tasks[taskID]; found {
			status, ok = e.task.Status, true
		}
	})
	return status, ok
}

// Task returns a copy of a task
func (c *Coordinator) Task(taskID string) (models.Task, bool) {
	var (
		task models.Task
		ok   bool
	)
	c.loop.Do(func() {
		if e, found := c.tasks[taskID]; found {
			task, ok = e.task.Clone(), true
		}
	})
	return task, ok
}

// Result returns the result of a task that reached a terminal state
func (c *Coordinator) Result(taskID string) (models.TaskResult, bool) {
	var (
		result models.TaskResult
		ok     bool
	)
	c.loop.Do(func() {
		e, found := c.tasks[taskID]
		if !found || !e.task.Status.Terminal() || e.task.Result == nil {
			return
		}
		result, ok = e.task.Result.Clone(), true
	})
	return result, ok
}

// Stats returns task and workflow counts
func (c *Coordinator) Stats() Stats {
	var s Stats
	c.loop.Do(func() {
		s = Stats{
			Tasks:      len(c.tasks),
			ByStatus:   make(map[models.TaskStatus]int),
			Ready:      c.queue.readyLen(),
			Delayed:    c.queue.delayedLen(),
			Workflows:  len(c.workflows),
			Executions: len(c.executions),
		}
		for _, e := range c.tasks {
			s.ByStatus[e.task.Status]++
		}
		for _, x := range c.executions {
			if !x.state.Status.Terminal() {
				s.ActiveExecutions++
			}
		}
	})
	return s
}

// HandleEnvelope applies an agent's message to task state. The inbox loop
// calls it for everything that reaches the coordinator's mailbox.
func (c *Coordinator) HandleEnvelope(env models.Envelope) {
	c.handleEnvelope(context.Background(), env)
}

func (c *Coordinator) handleEnvelope(ctx context.Context, env models.Envelope) {
	logger := c.logger.WithContext(logging.WithCorrelationID(ctx, env.Correlation()))
	var (
		apply func(now time.Time)
		err   error
	)
	switch env.Kind {
	case models.KindTaskStatus:
		var p models.StatusPayload
		if p, err = models.DecodePayload[models.StatusPayload](env); err == nil {
			apply = func(now time.Time) { c.onStatus(env.Sender, p, now) }
		}
	case models.KindTaskResult:
		var p models.ResultPayload
		if p, err = models.DecodePayload[models.ResultPayload](env); err == nil {
			apply = func(now time.Time) { c.onResult(env.Sender, p.Result, now) }
		}
	case models.KindTaskRejected:
		var p models.RejectionPayload
		if p, err = models.DecodePayload[models.RejectionPayload](env); err == nil {
			apply = func(now time.Time) { c.onRejected(env.Sender, p, now) }
		}
	case models.KindHeartbeat:
		var p models.HeartbeatPayload
		if p, err = models.DecodePayload[models.HeartbeatPayload](env); err == nil {
			if hbErr := c.directory.Heartbeat(p.AgentID, p.Metrics); hbErr != nil {
				logger.Debug("heartbeat from unknown agent", logging.AgentID(p.AgentID), logging.Err(hbErr))
			}
		}
	default:
		logger.Debug("ignoring envelope",
			logging.String("kind", string(env.Kind)),
			logging.String("sender", env.Sender),
		)
	}

	if err != nil {
		logger.Warn("malformed envelope",
			logging.String("kind", string(env.Kind)),
			logging.String("sender", env.Sender),
			logging.Err(err),
		)
		return
	}
	if apply != nil {
		c.loop.Do(func() { apply(c.now()) })
	}
}

func (c *Coordinator) handleEviction(agentID string) {
	c.loop.Do(func() {
		now := c.now()
		for _, id := range c.sortedTaskIDs() {
			e := c.tasks[id]
			if e.task.AssignedAgent == agentID && isActive(e.task.Status) {
				c.requeue(e, "agent evicted", false, now)
			}
		}
	})
}

func (c *Coordinator) newID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), c.entropy).String()
}

func (c *Coordinator) sortedTaskIDs() []string {
	ids := make([]string, 0, len(c.tasks))
	for id := range c.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// envelope builds a coordinator-sent envelope stamped with the
// coordinator's clock
func (c *Coordinator) envelope(recipient string, kind models.MessageKind, payload any, priority models.Priority) models.Envelope {
	env := models.NewDirect(models.CoordinatorID, recipient, kind, payload, priority)
	env.CreatedAt = c.now()
	return env
}

func (c *Coordinator) sendCancel(t *models.Task, reason string) {
	env := c.envelope(t.AssignedAgent, models.KindTaskCancel,
		models.CancelPayload{TaskID: t.ID, Reason: reason}, models.PriorityHigh).WithCorrelationID(t.ID)
	if !c.directory.RouteMessage(env) {
		c.logger.Debug("cancellation not delivered", logging.TaskID(t.ID), logging.AgentID(t.AssignedAgent))
	}
}

func isActive(s models.TaskStatus) bool {
	return s == models.TaskAssigned || s == models.TaskRunning
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// Await blocks until a task reaches a terminal state or ctx ends, polling
// at the scheduler interval
func (c *Coordinator) Await(ctx context.Context, taskID string) (models.Task, error) {
	ticker := time.NewTicker(c.config.SchedulerInterval)
	defer ticker.Stop()

	for {
		task, ok := c.Task(taskID)
		if !ok {
			return models.Task{}, fmt.Errorf("await %s: %w", taskID, ErrTaskNotFound)
		}
		if task.Status.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// AwaitWorkflow blocks until an execution finishes or ctx ends
func (c *Coordinator) AwaitWorkflow(ctx context.Context, executionID string) (models.WorkflowExecution, error) {
	ticker := time.NewTicker(c.config.SchedulerInterval)
	defer ticker.Stop()

	for {
		state, ok := c.WorkflowResult(executionID)
		if !ok {
			return models.WorkflowExecution{}, fmt.Errorf("await %s: %w", executionID, ErrExecutionNotFound)
		}
		if state.Status.Terminal() {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}
