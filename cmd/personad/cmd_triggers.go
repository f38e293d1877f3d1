package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"personad/pkg/store"
)

// newTriggersCmd creates the "personad triggers" subcommand.
func newTriggersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "triggers",
		Short: "List triggers and their next fire times",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			triggers, err := store.NewTriggers(db).List(cmd.Context())
			if err != nil {
				return err
			}
			if len(triggers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no triggers configured")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPERSONA\tKIND\tENABLED\tNEXT FIRE\tCONFIG")
			for _, t := range triggers {
				next := t.NextFireAt
				if next == "" {
					next = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
					t.ID, t.PersonaID, t.Kind, t.Enabled, next, t.Config)
			}
			return tw.Flush()
		},
	}
}
