package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/syntor/agentcore/pkg/logging"
)

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator and the configured agents",
		Long: `Run the coordinator, agent directory, health monitor and every agent
listed in the configuration until interrupted.

The process serves /healthz and, when metrics are enabled, /metrics on
system.http_addr. Workflow manifests are loaded from workflows.paths and
reloaded as they change. Kafka event export and task intake and the Redis
mirror are enabled from the kafka and redis sections.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

// serve runs the system until ctx is cancelled, then shuts it down within
// the configured shutdown timeout
func serve(ctx context.Context, opts *options) error {
	cfg := opts.config
	logger := cfg.Logging.Logger()
	defer logger.Sync()
	logging.SetGlobalLogger(logger)

	sys, err := NewSystem(ctx, cfg, logger)
	if err != nil {
		return err
	}

	startErr := sys.Start(ctx)
	if startErr == nil {
		if addr := sys.Addr(); addr != "" {
			logger.Info("http listening", logging.String("addr", addr))
		}
		<-ctx.Done()
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.System.ShutdownTimeout)
	defer cancel()
	stopErr := sys.Stop(shutdownCtx)

	if startErr != nil {
		return fmt.Errorf("failed to start: %w", startErr)
	}
	return stopErr
}
