package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"personad/pkg/protocol"
	"personad/pkg/store"
)

// newExecutionsCmd creates the "personad executions" subcommand.
func newExecutionsCmd() *cobra.Command {
	var (
		personaID string
		status    string
		limit     int
		showID    string
	)

	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List recent executions or inspect one",
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

			executions := store.NewExecutions(db)
			w := cmd.OutOrStdout()

			if showID != "" {
				exec, err := executions.Get(cmd.Context(), showID)
				if err != nil {
					return err
				}
				return printExecution(w, exec)
			}

			list, err := executions.ListRecent(cmd.Context(), store.ListOpts{
				PersonaID: personaID,
				Status:    status,
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(w, "no executions found")
				return nil
			}

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPERSONA\tSTATUS\tSTARTED\tDURATION\tCOST")
			for _, e := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t$%.4f\n",
					e.ID, e.PersonaID, e.Status, e.StartedAt,
					time.Duration(e.DurationMS)*time.Millisecond, e.CostUSD)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&personaID, "persona", "", "filter by persona id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows to show")
	cmd.Flags().StringVar(&showID, "id", "", "show full detail for one execution")
	return cmd
}

func printExecution(w io.Writer, e protocol.Execution) error {
	fmt.Fprintf(w, "id:          %s\n", e.ID)
	fmt.Fprintf(w, "persona:     %s\n", e.PersonaID)
	if e.TriggerID != "" {
		fmt.Fprintf(w, "trigger:     %s\n", e.TriggerID)
	}
	fmt.Fprintf(w, "status:      %s\n", e.Status)
	fmt.Fprintf(w, "started:     %s\n", e.StartedAt)
	if e.EndedAt != "" {
		fmt.Fprintf(w, "ended:       %s\n", e.EndedAt)
	}
	fmt.Fprintf(w, "exit code:   %d\n", e.ExitCode)
	fmt.Fprintf(w, "duration:    %s\n", time.Duration(e.DurationMS)*time.Millisecond)
	if e.CostUSD > 0 {
		fmt.Fprintf(w, "cost:        $%.4f (%d in / %d out tokens)\n",
			e.CostUSD, e.InputTokens, e.OutputTokens)
	}
	if e.Model != "" {
		fmt.Fprintf(w, "model:       %s\n", e.Model)
	}
	if e.RetryOf != "" {
		fmt.Fprintf(w, "retry of:    %s (attempt %d)\n", e.RetryOf, e.RetryCount)
	}

	var steps []protocol.ToolStep
	if e.ToolSteps != "" && e.ToolSteps != "[]" {
		if err := json.Unmarshal([]byte(e.ToolSteps), &steps); err == nil && len(steps) > 0 {
			fmt.Fprintf(w, "\ntool steps (%d):\n", len(steps))
			for _, s := range steps {
				fmt.Fprintf(w, "  %2d. %-12s %s\n", s.StepIndex, s.ToolName, s.InputPreview)
			}
		}
	}

	if e.Output != "" {
		fmt.Fprintf(w, "\noutput:\n%s\n", e.Output)
	}
	return nil
}
