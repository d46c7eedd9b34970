package cmd

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/loomdb/loom/internal/build"
)

// NewVersionCommand returns the command to get the Loom version
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the Loom version",
		Long:  "Return the Loom version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(_ *cobra.Command, _ []string) error {
	log.Printf("Loom Version %s Date %s commit id %s ", build.Version, build.Date, build.Commit)
	return nil
}
