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
	"personad/pkg/runner"
	"personad/pkg/store"
)

// newStartCmd creates the "personad start" subcommand.
func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the persona engine in the foreground",
		Long: `Loads the persona registry, recovers stale executions from a previous
run, and starts the trigger scheduler. Persona files are hot-reloaded on
change. Stop with SIGINT or SIGTERM; in-flight executions get a grace
period to finish.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return runStart(ctx, cmd.OutOrStdout())
		},
	}
}

func runStart(ctx context.Context, w io.Writer) error {
	cfg, paths, err := loadConfig()
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

	eng := engine.New(cfg, db, registry, &runner.CLISpawner{})

	if err := eng.SyncRegistry(ctx); err != nil {
		return fmt.Errorf("sync registry: %w", err)
	}
	if n, err := eng.RecoverStale(ctx); err != nil {
		return fmt.Errorf("recover stale executions: %w", err)
	} else if n > 0 {
		fmt.Fprintf(w, "recovered %d stale execution(s)\n", n)
	}

	eng.Start(ctx)
	go registry.Watch(ctx, cfg.ReloadPoll(), func(errs []error) {
		for _, e := range errs {
			fmt.Fprintf(w, "persona reload: %v\n", e)
		}
		if err := eng.SyncRegistry(context.Background()); err != nil {
			fmt.Fprintf(w, "sync registry: %v\n", err)
		}
	})

	fmt.Fprintf(w, "personad started (home %s, %d persona(s))\n", paths.Home, len(registry.All()))
	<-ctx.Done()
	fmt.Fprintln(w, "shutting down...")

	// Let in-flight executions drain, then give up.
	done := make(chan struct{})
	go func() {
		eng.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.ShutdownGrace()):
		fmt.Fprintln(w, "shutdown grace period expired")
	}
	return nil
}
