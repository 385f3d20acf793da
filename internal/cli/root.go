// Package cli implements the nexus-relay command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for nexus-relay.
// When invoked without a subcommand, it delegates to "run" for backward compat.
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "nexus-relay",
		Short: "Nexus relay — WhatsApp device pairing and command relay",
		Long:  "Nexus relay pairs issuer identities with device agents, routes commands between them, and serves the operator dashboard.",
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
