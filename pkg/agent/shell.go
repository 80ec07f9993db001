package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/syntor/agentcore/internal/ring"
	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/metrics"
	"github.com/syntor/agentcore/pkg/models"
	"github.com/syntor/agentcore/pkg/registry"
	"github.com/syntor/agentcore/pkg/resilience"
)

var (
	ErrAlreadyRunning = errors.New("agent already running")
	ErrTaskTimeout    = errors.New("task execution timed out")
)

// run is one admitted assignment
type run struct {
	task    models.Task
	request models.Envelope
	ctx     context.Context
	cancel  context.CancelFunc
	aborted bool // cancelled or handed back; no result is sent
}

type sample struct {
	ok      bool
	elapsed time.Duration
}

type execOutcome struct {
	result models.TaskResult
	err    error
}

// Shell hosts an Executor as an agent: it registers with the directory,
// drains the mailbox, admits or rejects assignments, reports status and
// results, and heartbeats until stopped.
type Shell struct {
	config    Config
	executor  Executor
	directory *registry.Directory
	breaker   *resilience.CircuitBreaker
	probe     MetricsProbe
	logger    logging.Logger
	metrics   metrics.Collector
	now       func() time.Time

	state atomic.Value // State

	mu         sync.Mutex
	status     models.AgentStatus
	registered bool
	stopping   bool
	mailbox    *registry.Mailbox
	inflight   map[string]*run
	window     *ring.Buffer[sample]
	stats      Stats

	cancel context.CancelFunc
	loops  sync.WaitGroup
	tasks  sync.WaitGroup
}

// Option configures a Shell
type Option func(*Shell)

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(s *Shell) { s.logger = l }
}

// WithMetrics sets the metrics collector
func WithMetrics(c metrics.Collector) Option {
	return func(s *Shell) { s.metrics = c }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Shell) { s.now = now }
}

// WithProbe sets the host metrics probe reported in heartbeats
func WithProbe(p MetricsProbe) Option {
	return func(s *Shell) { s.probe = p }
}

// NewShell wraps executor. An empty config ID becomes "<type>-<short uuid>".
func NewShell(config Config, executor Executor, directory *registry.Directory, opts ...Option) *Shell {
	config = config.withDefaults()
	if config.ID == "" {
		config.ID = fmt.Sprintf("%s-%s", config.Type, uuid.New().String()[:8])
	}

	s := &Shell{
		config:    config,
		executor:  executor,
		directory: directory,
		now:       time.Now,
		status:    models.AgentIdle,
		inflight:  make(map[string]*run),
		window:    ring.New[sample](config.StatsWindow),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrGlobal(s.logger).With(logging.Component("agent"), logging.AgentID(config.ID))
	s.metrics = metrics.OrNop(s.metrics)
	s.breaker = resilience.NewCircuitBreaker(config.ID, config.Breaker, resilience.WithBreakerClock(s.now))
	s.breaker.OnStateChange(s.onBreakerChange)
	s.state.Store(StateUninitialized)
	return s
}

// ID returns the agent id
func (s *Shell) ID() string { return s.config.ID }

// State returns the lifecycle state
func (s *Shell) State() State { return s.state.Load().(State) }

// Status returns the operational status last reported to the directory
func (s *Shell) Status() models.AgentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// InFlight returns the ids of tasks currently executing
func (s *Shell) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	return ids
}

// Stats returns the shell's counters
func (s *Shell) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	st.InFlight = len(s.inflight)
	s.mu.Unlock()
	st.Breaker = s.breaker.Stats()
	return st
}

// Start initializes the executor, registers the agent and starts the
// mailbox and heartbeat loops
func (s *Shell) Start(ctx context.Context) error {
	if st := s.State(); st != StateUninitialized && st != StateStopped {
		return fmt.Errorf("start %s: %w (state %s)", s.config.ID, ErrAlreadyRunning, st)
	}

	if err := s.executor.Initialize(ctx); err != nil {
		s.state.Store(StateFailed)
		return fmt.Errorf("initialize %s: %w", s.config.ID, err)
	}

	if err := s.directory.Register(registry.AgentSpec{
		ID:             s.config.ID,
		Type:           s.config.Type,
		Capabilities:   s.config.Capabilities,
		Metadata:       s.config.Metadata,
		MaxConcurrency: s.config.MaxConcurrency,
	}); err != nil {
		s.state.Store(StateFailed)
		return fmt.Errorf("register %s: %w", s.config.ID, err)
	}
	mb, ok := s.directory.Mailbox(s.config.ID)
	if !ok {
		s.state.Store(StateFailed)
		return fmt.Errorf("mailbox of %s: %w", s.config.ID, registry.ErrAgentNotFound)
	}

	s.mu.Lock()
	s.mailbox = mb
	s.registered = true
	s.stopping = false
	s.status = models.AgentIdle
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state.Store(StateRunning)

	s.loops.Add(2)
	go s.receiveLoop(runCtx, mb)
	go s.heartbeatLoop(runCtx)

	if err := s.Heartbeat(); err != nil {
		s.logger.Warn("initial heartbeat failed", logging.Err(err))
	}
	s.logger.Info("agent started",
		logging.String("type", s.config.Type),
		logging.Any("capabilities", s.config.Capabilities),
		logging.Int("max_concurrency", s.config.MaxConcurrency),
	)
	return nil
}

// Stop hands in-flight tasks back to the coordinator, cancels them, waits
// for them to return, cleans up the executor and unregisters. Without a
// deadline on ctx the configured shutdown timeout applies.
func (s *Shell) Stop(ctx context.Context) error {
	if s.State() != StateRunning {
		return nil
	}
	s.state.Store(StateStopping)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	s.mu.Lock()
	s.stopping = true
	var handBack []*run
	for _, r := range s.inflight {
		if !r.aborted {
			r.aborted = true
			handBack = append(handBack, r)
		}
	}
	s.mu.Unlock()
	s.refreshStatus()

	for _, r := range handBack {
		s.send(s.reply(r.request, models.KindTaskRejected, models.RejectionPayload{
			TaskID: r.task.ID,
			Reason: "agent shutting down",
		}))
		r.cancel()
	}

	s.cancel()
	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown of %s: %w", s.config.ID, ctx.Err())
	}

	if cerr := s.executor.Cleanup(ctx); cerr != nil {
		err = errors.Join(err, fmt.Errorf("cleanup %s: %w", s.config.ID, cerr))
	}

	s.directory.Unregister(s.config.ID)
	s.mu.Lock()
	s.registered = false
	s.mailbox = nil
	s.mu.Unlock()
	s.metrics.SetGauge(metrics.ShellInFlight.Name, 0, metrics.Labels("agent_id", s.config.ID))

	s.state.Store(StateStopped)
	s.logger.Info("agent stopped", logging.Int("handed_back", len(handBack)))
	return err
}

// CancelTask aborts an in-flight task. Unknown or already cancelled tasks
// are ignored.
func (s *Shell) CancelTask(taskID string) bool {
	s.mu.Lock()
	r, ok := s.inflight[taskID]
	if !ok || r.aborted {
		s.mu.Unlock()
		return false
	}
	r.aborted = true
	s.mu.Unlock()

	r.cancel()
	s.logger.Info("task cancelled", logging.TaskID(taskID))
	return true
}

// Heartbeat reports current metrics to the directory
func (s *Shell) Heartbeat() error {
	s.refreshStatus()
	return s.directory.Heartbeat(s.config.ID, s.healthMetrics())
}

func (s *Shell) receiveLoop(ctx context.Context, mb *registry.Mailbox) {
	defer s.loops.Done()
	for {
		env, err := mb.Receive(ctx, s.config.ReceiveTimeout)
		switch {
		case err == nil:
			s.handle(ctx, env)
		case errors.Is(err, registry.ErrReceiveTimeout):
		case errors.Is(err, registry.ErrMailboxClosed):
			if ctx.Err() == nil {
				s.logger.Warn("mailbox closed, agent no longer registered")
			}
			return
		default:
			return
		}
	}
}

func (s *Shell) heartbeatLoop(ctx context.Context) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Heartbeat(); err != nil {
				s.logger.Warn("heartbeat failed", logging.Err(err))
			}
		}
	}
}

func (s *Shell) handle(ctx context.Context, env models.Envelope) {
	if env.RequiresAck {
		ack := env.Acknowledgment()
		ack.CreatedAt = s.now()
		s.send(ack)
	}

	switch env.Kind {
	case models.KindTaskAssignment:
		s.onAssignment(ctx, env)
	case models.KindTaskCancel:
		p, err := models.DecodePayload[models.CancelPayload](env)
		if err != nil {
			s.logger.Warn("bad cancel payload", logging.Err(err))
			return
		}
		s.CancelTask(p.TaskID)
	default:
		s.logger.Debug("envelope ignored",
			logging.String("kind", string(env.Kind)),
			logging.String("sender", env.Sender),
		)
	}
}

func (s *Shell) onAssignment(ctx context.Context, env models.Envelope) {
	p, err := models.DecodePayload[models.AssignmentPayload](env)
	if err != nil {
		s.logger.Warn("bad assignment payload", logging.Err(err))
		return
	}
	task := p.Task

	r, reason := s.admit(ctx, env, task)
	if r == nil {
		s.reject(env, task.ID, reason)
		return
	}
	if err := s.breaker.Allow(); err != nil {
		s.mu.Lock()
		delete(s.inflight, task.ID)
		s.mu.Unlock()
		r.cancel()
		s.refreshStatus()
		s.reject(env, task.ID, err.Error())
		return
	}

	s.tasks.Add(1)
	go s.execute(r)
}

// admit reserves an execution slot for task, or says why it cannot run
func (s *Shell) admit(ctx context.Context, env models.Envelope, task models.Task) (*run, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.stopping:
		return nil, "agent shutting down"
	case !s.status.Available():
		return nil, fmt.Sprintf("agent status %s", s.status)
	case s.inflight[task.ID] != nil:
		return nil, "task already running"
	case len(s.inflight) >= s.config.MaxConcurrency:
		return nil, "agent at capacity"
	}
	for _, c := range task.RequiredCapabilities {
		if !hasCapability(s.config.Capabilities, c) {
			return nil, fmt.Sprintf("missing capability %s", c)
		}
	}

	ctx = logging.WithTaskID(logging.WithCorrelationID(ctx, env.Correlation()), task.ID)
	taskCtx, cancel := context.WithCancel(ctx)
	r := &run{task: task, request: env, ctx: taskCtx, cancel: cancel}
	s.inflight[task.ID] = r
	s.setStatusLocked(s.deriveLocked(false))
	s.metrics.SetGauge(metrics.ShellInFlight.Name, float64(len(s.inflight)), metrics.Labels("agent_id", s.config.ID))
	return r, ""
}

func (s *Shell) reject(env models.Envelope, taskID, reason string) {
	s.mu.Lock()
	s.stats.Rejected++
	s.mu.Unlock()
	s.metrics.IncrementCounter(metrics.ShellTasks.Name, metrics.Labels("agent_id", s.config.ID, "outcome", "rejected"))
	s.logger.Info("assignment rejected", logging.TaskID(taskID), logging.String("reason", reason))
	s.send(s.reply(env, models.KindTaskRejected, models.RejectionPayload{TaskID: taskID, Reason: reason}))
}

func (s *Shell) execute(r *run) {
	defer s.tasks.Done()
	defer r.cancel()
	task := r.task

	s.send(s.reply(r.request, models.KindTaskStatus, models.StatusPayload{
		TaskID: task.ID,
		Status: models.TaskRunning,
	}))

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.config.DefaultTaskTimeout
	}
	ctx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()
	logger := s.logger.WithContext(ctx)

	start := s.now()
	result, err := s.invoke(ctx, task, timeout)
	elapsed := s.now().Sub(start)

	s.mu.Lock()
	aborted := r.aborted
	delete(s.inflight, task.ID)
	s.metrics.SetGauge(metrics.ShellInFlight.Name, float64(len(s.inflight)), metrics.Labels("agent_id", s.config.ID))
	if aborted {
		s.stats.Cancelled++
	}
	s.mu.Unlock()

	if aborted {
		s.breaker.Release()
		s.refreshStatus()
		s.metrics.IncrementCounter(metrics.ShellTasks.Name, metrics.Labels("agent_id", s.config.ID, "outcome", "cancelled"))
		return
	}

	if err != nil {
		result = models.FailureResult(task.ID, err)
	}
	result.TaskID = task.ID
	result.AgentID = s.config.ID
	if result.Duration <= 0 {
		result.Duration = elapsed
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = s.now()
	}
	if !result.Success && result.Error == "" {
		result.Error = "task failed"
	}

	if result.Success {
		s.breaker.Record(nil)
	} else {
		s.breaker.Record(errors.New(result.Error))
	}

	outcome := "succeeded"
	s.mu.Lock()
	s.window.Push(sample{ok: result.Success, elapsed: result.Duration})
	s.stats.Processed++
	if result.Success {
		s.stats.Succeeded++
	} else {
		s.stats.Failed++
		outcome = "failed"
	}
	s.mu.Unlock()
	s.refreshStatus()

	s.metrics.IncrementCounter(metrics.ShellTasks.Name, metrics.Labels("agent_id", s.config.ID, "outcome", outcome))
	s.metrics.ObserveHistogram(metrics.ShellTaskDuration.Name, result.Duration.Seconds(),
		metrics.Labels("agent_id", s.config.ID, "task_type", task.Type))
	logger.Debug("task finished",
		logging.Bool("success", result.Success),
		logging.Duration("duration", result.Duration),
	)

	s.send(s.reply(r.request, models.KindTaskResult, models.ResultPayload{Result: result}))
}

// invoke runs the executor on its own goroutine so a timeout or cancel
// returns even when the executor ignores ctx. Panics become errors.
func (s *Shell) invoke(ctx context.Context, task models.Task, timeout time.Duration) (models.TaskResult, error) {
	done := make(chan execOutcome, 1)
	go func() {
		var o execOutcome
		defer func() {
			if p := recover(); p != nil {
				s.logger.WithContext(ctx).Error("executor panicked", logging.Any("panic", p))
				o = execOutcome{err: fmt.Errorf("executor panicked: %v", p)}
			}
			done <- o
		}()
		o.result, o.err = s.executor.ExecuteTask(ctx, task)
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.TaskResult{}, fmt.Errorf("%w after %s", ErrTaskTimeout, timeout)
		}
		return models.TaskResult{}, ctx.Err()
	}
}

func (s *Shell) onBreakerChange(from, to models.CircuitState) {
	s.logger.Warn("circuit breaker state changed",
		logging.String("from", string(from)),
		logging.String("to", string(to)),
	)
	s.refreshStatus()
}

// refreshStatus recomputes the status and reports changes to the
// directory. Must not be called with mu held.
func (s *Shell) refreshStatus() {
	open := s.breaker.State() == models.CircuitOpen
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatusLocked(s.deriveLocked(open))
}

func (s *Shell) deriveLocked(breakerOpen bool) models.AgentStatus {
	switch {
	case s.stopping:
		return models.AgentShutdown
	case breakerOpen:
		return models.AgentError
	case len(s.inflight) > 0:
		return models.AgentBusy
	default:
		return models.AgentIdle
	}
}

// setStatusLocked holds mu across the directory call so concurrent
// updates reach the directory in order
func (s *Shell) setStatusLocked(next models.AgentStatus) {
	if next == s.status {
		return
	}
	prev := s.status
	s.status = next
	if !s.registered {
		return
	}
	if err := s.directory.SetStatus(s.config.ID, next); err != nil {
		s.logger.Warn("status not reported", logging.Err(err))
		return
	}
	s.logger.Debug("status changed",
		logging.String("from", string(prev)),
		logging.String("to", string(next)),
	)
}

func (s *Shell) healthMetrics() models.HealthMetrics {
	open := s.breaker.State() == models.CircuitOpen
	var cpu, mem float64
	if s.probe != nil {
		cpu, mem = s.probe.Sample()
	}

	s.mu.Lock()
	samples := s.window.Values()
	queue := 0
	if s.mailbox != nil {
		queue = s.mailbox.Len()
	}
	s.mu.Unlock()

	hm := models.HealthMetrics{
		CPUUsage:    cpu,
		MemoryUsage: mem,
		QueueDepth:  queue,
		SuccessRate: 100,
		Responsive:  !open,
	}
	if n := len(samples); n > 0 {
		var (
			failed int
			total  time.Duration
		)
		for _, smp := range samples {
			if !smp.ok {
				failed++
			}
			total += smp.elapsed
		}
		hm.ErrorRate = float64(failed) / float64(n) * 100
		hm.SuccessRate = 100 - hm.ErrorRate
		hm.ResponseTime = total / time.Duration(n)
	}
	return hm
}

// reply addresses a response to env's sender, stamped with the shell clock
func (s *Shell) reply(env models.Envelope, kind models.MessageKind, payload any) models.Envelope {
	r := env.Reply(kind, payload)
	r.Sender = s.config.ID
	r.CreatedAt = s.now()
	return r
}

func (s *Shell) send(env models.Envelope) {
	if !s.directory.RouteMessage(env) {
		s.logger.Warn("envelope not delivered",
			logging.String("kind", string(env.Kind)),
			logging.String("recipient", env.Recipient),
		)
	}
}

func hasCapability(caps []string, c string) bool {
	for _, have := range caps {
		if have == c {
			return true
		}
	}
	return false
}
