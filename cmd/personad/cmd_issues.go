package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"personad/pkg/store"
)

// newIssuesCmd creates the "personad issues" subcommand.
func newIssuesCmd() *cobra.Command {
	var resolve string

	cmd := &cobra.Command{
		Use:   "issues",
		Short: "List open issues raised by failed executions",
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

			issues := store.NewIssues(db)
			w := cmd.OutOrStdout()

			if resolve != "" {
				if err := issues.Resolve(cmd.Context(), resolve); err != nil {
					return err
				}
				fmt.Fprintf(w, "resolved issue %s\n", resolve)
				return nil
			}

			open, err := issues.ListOpen(cmd.Context())
			if err != nil {
				return err
			}
			if len(open) == 0 {
				fmt.Fprintln(w, "no open issues")
				return nil
			}

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPERSONA\tCATEGORY\tSEVERITY\tAUTO-FIXED\tTITLE")
			for _, i := range open {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
					i.ID, i.PersonaID, i.Category, i.Severity, i.AutoFixed, i.Title)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			fmt.Fprintln(w, "\nUse --resolve <id> to close an issue.")
			return nil
		},
	}

	cmd.Flags().StringVar(&resolve, "resolve", "", "mark an issue as resolved")
	return cmd
}
