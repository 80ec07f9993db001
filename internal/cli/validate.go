package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/syntor/agentcore/pkg/manifest"
)

// ErrInvalidManifests is returned when validation finds problems
var ErrInvalidManifests = errors.New("invalid workflow manifests")

type validationReport struct {
	Dir       string   `json:"dir"`
	Workflows []string `json:"workflows"`
	Errors    []string `json:"errors,omitempty"`
}

func newValidateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [dir...]",
		Short: "Validate workflow manifests",
		Long: `Parse and validate every workflow manifest (*.yaml, *.yml) in the given
directories, or in workflows.paths when none are given. Step references,
dependency cycles, priorities and timeouts are all checked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = opts.config.Workflows.Paths
			}

			var reports []validationReport
			failed := false
			for _, dir := range dirs {
				r := validateDir(dir)
				failed = failed || len(r.Errors) > 0
				reports = append(reports, r)
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				if err := writeJSON(out, reports); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					fmt.Fprintln(out, titleStyle.Render(r.Dir))
					for _, name := range r.Workflows {
						fmt.Fprintln(out, okStyle.Render("  ✓ ")+name)
					}
					for _, e := range r.Errors {
						fmt.Fprintln(out, errStyle.Render("  ✗ ")+strings.ReplaceAll(e, "\n", "\n    "))
					}
					if len(r.Workflows) == 0 && len(r.Errors) == 0 {
						fmt.Fprintln(out, warnStyle.Render("  no manifests"))
					}
				}
			}
			if failed {
				return ErrInvalidManifests
			}
			return nil
		},
	}
}

func validateDir(dir string) validationReport {
	r := validationReport{Dir: dir}
	valid, err := manifest.ValidateDirectory(dir)
	for name := range valid {
		r.Workflows = append(r.Workflows, name)
	}
	sort.Strings(r.Workflows)
	if err == nil {
		return r
	}

	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		for _, e := range joined.Unwrap() {
			r.Errors = append(r.Errors, e.Error())
		}
	} else {
		r.Errors = append(r.Errors, err.Error())
	}
	return r
}
