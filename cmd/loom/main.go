package main

import (
	"os"

	"github.com/loomdb/loom/cmd"
	"github.com/loomdb/loom/cmd/run"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	versionCmd := cmd.NewVersionCommand()
	rootCmd.AddCommand(versionCmd)

	runCmd := run.NewRunCommand()
	rootCmd.AddCommand(runCmd)

	migrateCmd := cmd.NewMigrateCommand()
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
