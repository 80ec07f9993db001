package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/syntor/agentcore/internal/worker"
	"github.com/syntor/agentcore/pkg/agent"
	"github.com/syntor/agentcore/pkg/config"
	"github.com/syntor/agentcore/pkg/coordinator"
	"github.com/syntor/agentcore/pkg/events"
	"github.com/syntor/agentcore/pkg/health"
	"github.com/syntor/agentcore/pkg/kafka"
	"github.com/syntor/agentcore/pkg/logging"
	"github.com/syntor/agentcore/pkg/manifest"
	"github.com/syntor/agentcore/pkg/metrics"
	"github.com/syntor/agentcore/pkg/models"
	"github.com/syntor/agentcore/pkg/registry"
)

// System is one agentcore process: monitor, directory, coordinator, the
// configured agent shells and the optional outer surfaces
type System struct {
	config *config.SystemConfig
	logger logging.Logger

	Metrics     *metrics.PrometheusCollector
	Monitor     *health.Monitor
	Directory   *registry.Directory
	Coordinator *coordinator.Coordinator
	Shells      []*agent.Shell
	Manifests   *manifest.Store

	dispatcher *events.Dispatcher
	intake     *kafka.TaskIntake
	server     *http.Server
	listener   net.Listener
}

// NewSystem builds every component from config without starting any of
// them. Optional sinks that cannot connect are skipped with a warning.
func NewSystem(ctx context.Context, cfg *config.SystemConfig, logger logging.Logger) (*System, error) {
	logger = logging.OrGlobal(logger)
	s := &System{config: cfg, logger: logger}

	collector, err := metrics.NewStandardCollector()
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	s.Metrics = collector

	var sinks []events.Sink
	if cfg.Kafka.Enabled {
		sinks = append(sinks, kafka.NewEventSink(cfg.Kafka.BusConfig, logger))
	}
	if cfg.Redis.Enabled {
		mirror := registry.NewRedisMirror(cfg.Redis)
		if err := mirror.Connect(ctx); err != nil {
			logger.Warn("redis mirror disabled", logging.Err(err))
		} else {
			sinks = append(sinks, mirror)
		}
	}
	s.dispatcher = events.NewDispatcher(cfg.Events, logger, collector, sinks...)

	s.Monitor = health.New(cfg.Health, health.WithLogger(logger), health.WithMetrics(collector))
	s.Monitor.OnAlert(func(a models.Alert) {
		s.dispatcher.Publish(events.New(events.HealthAlert, map[string]any{
			"severity": string(a.Severity),
			"message":  a.Message,
		}).ForAgent(a.AgentID))
	})

	s.Directory = registry.New(cfg.Registry, s.Monitor,
		registry.WithLogger(logger),
		registry.WithMetrics(collector),
		registry.WithEvents(s.dispatcher),
	)
	schemas := models.NewParamsSchemas()
	worker.RegisterSchemas(schemas)
	s.Coordinator = coordinator.New(cfg.Coordinator, s.Directory,
		coordinator.WithLogger(logger),
		coordinator.WithMetrics(collector),
		coordinator.WithEvents(s.dispatcher),
		coordinator.WithParamsSchemas(schemas),
	)

	for _, ac := range cfg.Agents {
		executor := worker.New(cfg.Worker, logger)
		if len(ac.Capabilities) == 0 {
			ac.Capabilities = executor.TaskTypes()
		}
		s.Shells = append(s.Shells, agent.NewShell(ac, executor, s.Directory,
			agent.WithLogger(logger),
			agent.WithMetrics(collector),
		))
	}

	s.Manifests = manifest.NewStore(cfg.Workflows.Paths, logger)

	if cfg.Kafka.Intake {
		s.intake = kafka.NewTaskIntake(cfg.Kafka.BusConfig, s.Coordinator, logger, collector)
	}

	s.server = &http.Server{
		Addr:              cfg.System.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Start brings the components up leaf-first. On error, whatever already
// started is left for Stop.
func (s *System) Start(ctx context.Context) error {
	s.Monitor.Start(ctx)
	s.Directory.Start(ctx)
	if err := s.Coordinator.Start(ctx); err != nil {
		return err
	}
	for _, sh := range s.Shells {
		if err := sh.Start(ctx); err != nil {
			return fmt.Errorf("start agent %s: %w", sh.ID(), err)
		}
	}

	if err := s.Manifests.Sync(s.Coordinator); err != nil {
		s.logger.Warn("some workflows were not registered", logging.Err(err))
	}
	if s.config.Workflows.Watch {
		if err := s.Manifests.StartWatching(ctx); err != nil {
			s.logger.Warn("workflow hot reload disabled", logging.Err(err))
		}
	}

	if s.intake != nil {
		s.intake.Start(ctx)
	}

	if s.config.System.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.config.System.HTTPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.System.HTTPAddr, err)
		}
		s.listener = ln
		go func() {
			if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http server failed", logging.Err(err))
			}
		}()
	}

	s.logger.Info("agentcore started",
		logging.String("environment", s.config.System.Environment),
		logging.Int("agents", len(s.Shells)),
		logging.Int("workflows", len(s.Coordinator.Workflows())),
	)
	return nil
}

// Addr returns the bound HTTP address, or "" when not listening
func (s *System) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts everything down in reverse start order. Agent shells hand
// in-flight tasks back before the coordinator stops.
func (s *System) Stop(ctx context.Context) error {
	var errs []error
	if s.listener != nil {
		errs = append(errs, s.server.Shutdown(ctx))
	}
	if s.intake != nil {
		errs = append(errs, s.intake.Stop())
	}
	errs = append(errs, s.Manifests.Close())
	for i := len(s.Shells) - 1; i >= 0; i-- {
		if err := s.Shells[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop agent %s: %w", s.Shells[i].ID(), err))
		}
	}
	s.Coordinator.Stop()
	s.Directory.Stop()
	s.Monitor.Stop()
	errs = append(errs, s.dispatcher.Close())

	s.logger.Info("agentcore stopped")
	return errors.Join(errs...)
}

// Health is the /healthz document
type Health struct {
	Status      string            `json:"status"`
	Environment string            `json:"environment"`
	Agents      []AgentView       `json:"agents"`
	Tasks       coordinator.Stats `json:"tasks"`
	Health      health.Summary    `json:"health"`
}

// AgentView is one agent as /healthz reports it
type AgentView struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Status       models.AgentStatus `json:"status"`
	Load         int                `json:"load"`
	Capacity     int                `json:"capacity"`
	Capabilities []string           `json:"capabilities"`
	Health       models.HealthLevel `json:"health"`
}

// Snapshot gathers the current health document
func (s *System) Snapshot() Health {
	h := Health{
		Status:      "ok",
		Environment: s.config.System.Environment,
		Tasks:       s.Coordinator.Stats(),
		Health:      s.Monitor.SystemSummary(),
	}
	for _, r := range s.Directory.List() {
		if r.ID == models.CoordinatorID {
			continue
		}
		view := AgentView{
			ID:           r.ID,
			Type:         r.Type,
			Status:       r.Status,
			Load:         r.Load,
			Capacity:     r.MaxConcurrency,
			Capabilities: r.Capabilities,
			Health:       models.HealthUnknown,
		}
		if hs, ok := s.Monitor.Status(r.ID); ok {
			view.Health = hs.Level
		}
		h.Agents = append(h.Agents, view)
	}
	if h.Health.Overall == models.HealthCritical || h.Health.Overall == models.HealthUnhealthy {
		h.Status = "degraded"
	}
	return h
}

// Handler serves /healthz and, when enabled, the Prometheus endpoint
func (s *System) Handler() http.Handler {
	mux := http.NewServeMux()
	// degraded agents do not fail the probe; the process itself is up
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
			s.logger.Warn("failed to write health response", logging.Err(err))
		}
	})
	if s.config.Metrics.Enabled {
		path := s.config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, s.Metrics.Handler())
	}
	return mux
}
