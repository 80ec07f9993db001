package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/syntor/agentcore/pkg/config"
)

func newConfigCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect agentcore configuration",
		Long: `Inspect the effective configuration.

Commands:
  show     - Display the configuration after file and environment overrides
  defaults - Display the built-in defaults`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printConfig(cmd, opts, opts.config, opts.cfgFile)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "defaults",
		Short: "Show the built-in defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			defaults := config.DefaultSystemConfig()
			return printConfig(cmd, opts, &defaults, "")
		},
	})
	return cmd
}

func printConfig(cmd *cobra.Command, opts *options, cfg *config.SystemConfig, source string) error {
	out := cmd.OutOrStdout()
	if opts.jsonOutput {
		return writeJSON(out, cfg)
	}

	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Fprintln(out, dimStyle.Render("# agentcore configuration"))
	fmt.Fprintln(out, dimStyle.Render("# source: "+source))
	fmt.Fprint(out, string(data))
	return nil
}
