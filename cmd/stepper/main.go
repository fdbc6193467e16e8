// Package main is the entry point for the stepper journey engine. It wires
// the store, scheduler, engine and operator API together.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// newRootCmd builds the command tree. configPath is shared by every
// subcommand through the persistent --config flag.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "stepper",
		Short:         "Durable journey workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to configuration file (env: STEPPER_CONFIG)")

	resolve := func() string {
		if configPath != "" {
			return configPath
		}
		return os.Getenv("STEPPER_CONFIG")
	}

	root.AddCommand(
		newServeCmd(resolve),
		newMigrateCmd(resolve),
		newTypesCmd(resolve),
		newVersionCmd(),
	)
	return root
}

func execute(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
