// Package cli implements the agentgate operator surface, grounded in the
// teacher's internal/cli package: a cobra root command, a persistent flag
// that locates the application's on-disk state, and one subcommand per
// operator action. Unlike the teacher, this root command owns an App
// (internal/app) rather than talking to a standalone daemon process,
// since agentgate has no long-running server component in this build —
// each invocation opens the store, does one thing, and closes it again.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var storeDir string
var sandboxMode string

var rootCmd = &cobra.Command{
	Use:   "agentgate",
	Short: "Run coding agents to convergence behind verification gates",
	Long: `agentgate submits coding-agent work orders, drives each one through an
iterative build-snapshot-verify loop against a declared gate plan, and
reports back the run's history and every gate result.

Git provides the snapshot history; the gate plan is the contract an
iteration must satisfy before agentgate calls it converged.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&storeDir, "store-dir", "d", defaultStoreDir(), "directory holding agentgate's on-disk state")
	rootCmd.PersistentFlags().StringVar(&sandboxMode, "sandbox", "subprocess", "sandbox provider: subprocess|container")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(gateCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("agentgate %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
