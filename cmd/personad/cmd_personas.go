package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"personad/pkg/store"
)

// newPersonasCmd creates the "personad personas" subcommand.
func newPersonasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List configured personas",
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

			personas, err := store.NewPersonas(db).List(cmd.Context())
			if err != nil {
				return err
			}
			if len(personas) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no personas configured")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tENABLED\tMAX CONCURRENT\tTIMEOUT MS")
			for _, p := range personas {
				concurrent := fmt.Sprintf("%d", p.MaxConcurrent)
				if p.MaxConcurrent <= 0 {
					concurrent = "unlimited"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%d\n",
					p.ID, p.Name, p.Enabled, concurrent, p.TimeoutMS)
			}
			return tw.Flush()
		},
	}
}
