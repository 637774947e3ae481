// Package cli wires the gateway's cobra command tree.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// NewRootCommand builds the command tree. env overrides process environment
// lookups when non-nil, which keeps tests hermetic.
func NewRootCommand(out io.Writer, build BuildInfo, env map[string]string) *cobra.Command {
	globals := &globalFlags{}
	deps := commandDeps{out: out, globals: globals, env: env}

	cmd := &cobra.Command{
		Use:           "cloudstack-gateway",
		Short:         "Secure operation gateway for the CloudStack API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)
	cmd.SetErr(out)

	cmd.PersistentFlags().StringVar(&globals.ConfigPath, "config", "", "Path to config.toml")
	cmd.PersistentFlags().StringVar(&globals.Environment, "environment", "", "Credential environment to operate on")
	cmd.PersistentFlags().BoolVar(&globals.JSON, "json", false, "Print machine-readable JSON")

	cmd.AddCommand(newVersionCommand(out, build))
	cmd.AddCommand(newCredentialsCommand(deps))
	cmd.AddCommand(newAuditCommand(deps))
	cmd.InitDefaultCompletionCmd()
	return cmd
}

func newVersionCommand(out io.Writer, build BuildInfo) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(build)
			}

			_, err := fmt.Fprintf(out, "version=%s commit=%s build_time=%s\n", build.Version, build.Commit, build.BuildTime)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print version as JSON")
	return cmd
}
