// Package cmd wires up the cobra command tree for the server binary.
package cmd

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for masteringready-server.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "masteringready-server",
		Short: "Mastering Ready — mix analysis and mastering-readiness service",
		Long:  "Mastering Ready accepts audio mix uploads, scores them for mastering readiness, and manages accounts, quotas, and billing.",
		// Bare invocation (no subcommand) behaves as "run".
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}
