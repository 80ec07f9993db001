// Package cli implements the agentcore command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/syntor/agentcore/pkg/config"
)

var (
	// Version information (set by build)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// options carries the global flags and the loaded configuration
type options struct {
	cfgFile    string
	jsonOutput bool
	config     *config.SystemConfig
}

// NewRootCommand builds the agentcore command tree
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "agentcore",
		Short: "Multi-agent task coordination",
		Long: `agentcore runs a coordinator, an agent directory, a health monitor and a
set of agent shells in one process, and schedules tasks and workflows
across them.

Start the system:
  agentcore serve --config agentcore.yaml

Check workflow manifests:
  agentcore validate ./workflows`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			opts.config = cfg
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default: built-in defaults)")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newValidateCommand(opts))
	root.AddCommand(newConfigCommand(opts))
	root.AddCommand(newVersionCommand(opts))
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

func newVersionCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		// version needs no configuration
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return writeJSON(out, map[string]string{
					"version": Version,
					"build":   BuildTime,
					"commit":  GitCommit,
				})
			}
			fmt.Fprintln(out, titleStyle.Render("agentcore "+Version))
			fmt.Fprintln(out, labelStyle.Render("Build:")+BuildTime)
			fmt.Fprintln(out, labelStyle.Render("Commit:")+GitCommit)
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
