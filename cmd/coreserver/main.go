// Package main is the CLI entry point for the context-governed
// tool-execution runtime.
//
// Start the server:
//
//	coreserver serve --config coreserver.yaml
//
// Check a running server:
//
//	coreserver status
//	coreserver tools
//
// # Environment Variables
//
//   - CONTEXT_ENGINE: on/off override for the adaptive tuning loop
//   - FS_ALLOWLIST: comma-separated path prefixes appended to the
//     configured allow-list
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "coreserver",
		Short:         "Context-governed tool-execution runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand(), newStatusCommand(), newToolsCommand(), newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coreserver %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
}
