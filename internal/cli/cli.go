// Package cli wires the raprunner commands: the controller and agent
// services, database migration, operational flags and the client-side
// helpers.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "raprunner",
		Short:         "Schedules and executes containerised analytics jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newControllerCmd(),
		newAgentCmd(),
		newMigrateCmd(),
		newFlagsCmd(),
		newAddRapCmd(),
		newWatchCmd(),
		newVersionCmd(),
	)
	return root
}

// Execute runs the CLI, returning the process exit code.
func Execute() int {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// newLogger builds the process logger. DEBUG=1 switches to the development
// encoder with debug level enabled.
func newLogger() (*zap.Logger, error) {
	if os.Getenv("DEBUG") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
