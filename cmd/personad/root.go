package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"personad/internal/version"
)

// newRootCmd creates the root personad command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "personad",
		Short:         "Persona execution engine",
		Long:          "personad runs YAML-defined personas against an external agent CLI.\nTriggers, event subscriptions, and retries are managed by a background engine.",
		Version:       fmt.Sprintf("personad %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newStartCmd(),
		newStatusCmd(),
		newFireCmd(),
		newPersonasCmd(),
		newTriggersCmd(),
		newExecutionsCmd(),
		newLogsCmd(),
		newIssuesCmd(),
		newWatchCmd(),
	)

	return cmd
}
