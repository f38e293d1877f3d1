package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"personad/pkg/engine"
	"personad/pkg/persona"
	"personad/pkg/protocol"
	"personad/pkg/runner"
	"personad/pkg/store"
)

// newFireCmd creates the "personad fire" subcommand: a one-shot manual
// execution of a persona, run in this process.
func newFireCmd() *cobra.Command {
	var (
		input     string
		timeoutMS int64
		quiet     bool
		priority  string
	)

	cmd := &cobra.Command{
		Use:   "fire <persona-id>",
		Short: "Run a persona once, right now",
		Long: `Runs the persona immediately in the foreground and streams its
progress. The execution is recorded in the shared database like any
scheduled run, so a running engine will see it in its history.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch priority {
			case "low", "normal", "urgent":
			default:
				return fmt.Errorf("invalid priority %q (want low, normal, or urgent)", priority)
			}
			prio := protocol.ParsePriority(priority)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return runFire(ctx, cmd.OutOrStdout(), args[0], input, timeoutMS, prio, quiet)
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "JSON input payload passed to the persona")
	cmd.Flags().Int64Var(&timeoutMS, "timeout-ms", 0, "override the persona timeout")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress live progress output")
	cmd.Flags().StringVar(&priority, "priority", "urgent", "request priority (low, normal, or urgent)")
	return cmd
}

func runFire(ctx context.Context, w io.Writer, personaID, input string, timeoutMS int64, priority protocol.Priority, quiet bool) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	registry := persona.NewRegistry(cfg.PersonaDir)
	if errs := registry.Reload(); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(w, "persona load: %v\n", e)
		}
	}
	if _, ok := registry.Get(personaID); !ok {
		return fmt.Errorf("unknown persona %q", personaID)
	}

	eng := engine.New(cfg, db, registry, &runner.CLISpawner{})
	if !quiet {
		eng.SetProgress(func(line string) {
			fmt.Fprintln(w, line)
		})
	}
	if err := eng.SyncRegistry(ctx); err != nil {
		return fmt.Errorf("sync registry: %w", err)
	}

	execID, err := eng.Submit(ctx, engine.SubmitOpts{
		PersonaID: personaID,
		Priority:  priority,
		Input:     input,
		TimeoutMS: timeoutMS,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "execution %s started\n", execID)

	executions := store.NewExecutions(db)
	for {
		select {
		case <-ctx.Done():
			if err := eng.Cancel(context.Background(), execID); err != nil {
				return fmt.Errorf("cancel on interrupt: %w", err)
			}
			fmt.Fprintln(w, "cancelled")
			return nil
		case <-time.After(200 * time.Millisecond):
		}

		exec, err := executions.Get(context.Background(), execID)
		if err != nil {
			return err
		}
		if !protocol.IsTerminalStatus(exec.Status) {
			continue
		}

		fmt.Fprintf(w, "\nstatus: %s  exit: %d  duration: %s\n",
			exec.Status, exec.ExitCode, time.Duration(exec.DurationMS)*time.Millisecond)
		if exec.CostUSD > 0 {
			fmt.Fprintf(w, "cost: $%.4f  tokens: %d in / %d out\n",
				exec.CostUSD, exec.InputTokens, exec.OutputTokens)
		}
		if exec.Status != protocol.StatusCompleted {
			return fmt.Errorf("execution %s", exec.Status)
		}
		return nil
	}
}
