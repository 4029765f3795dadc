package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the Cradle CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cradle",
		Short: "Cradle - an extension runtime host",
		Long: `Cradle hosts sandboxed extensions: it discovers extension manifests,
loads Lua, subprocess and WebAssembly entry units, and drives their
lifecycle under capability grants and resource limits.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewListCmd())
	cmd.AddCommand(NewValidateCmd())
	cmd.AddCommand(NewStateCmd())

	return cmd
}
