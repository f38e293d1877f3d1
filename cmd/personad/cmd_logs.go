package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"personad/pkg/eventlog"
	"personad/pkg/protocol"
)

// newLogsCmd creates the "personad logs" subcommand.
func newLogsCmd() *cobra.Command {
	var (
		tail       int
		follow     bool
		eventType  string
		sourceType string
		since      string
	)

	cmd := &cobra.Command{
		Use:   "logs [persona-id]",
		Short: "Query and tail the engine event log",
		Long:  "Displays events from the engine event log.\nOptionally filter by persona-id and follow new events.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := eventlog.QueryOpts{
				EventType:  eventType,
				SourceType: sourceType,
			}
			if len(args) == 1 {
				base.PersonaID = args[0]
			}
			if since != "" {
				after, err := time.Parse(time.RFC3339, since)
				if err != nil {
					return fmt.Errorf("invalid --since %q: %w", since, err)
				}
				base.After = &after
			}

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			reader, err := eventlog.NewReader(cfg.DBPath)
			if err != nil {
				return err
			}
			defer reader.Close()

			w := cmd.OutOrStdout()
			if follow {
				return followLogs(cmd.Context(), reader, w, base, tail)
			}
			return printLogs(cmd.Context(), reader, w, base, tail)
		},
	}

	cmd.Flags().IntVar(&tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "poll for new events every second")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().StringVar(&sourceType, "source", "", "filter by source type (scheduler, persona, system)")
	cmd.Flags().StringVar(&since, "since", "", "only events after this RFC3339 timestamp")
	return cmd
}

func printLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, base eventlog.QueryOpts, tail int) error {
	opts := base
	opts.Limit = tail
	events, err := reader.Query(ctx, opts)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}

	// Query returns newest first; print oldest first for reading.
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, events[i])
	}
	return nil
}

// followLogs prints the initial tail, then polls for newer events.
func followLogs(ctx context.Context, reader *eventlog.Reader, w io.Writer, base eventlog.QueryOpts, tail int) error {
	initial := base
	initial.Limit = tail
	events, err := reader.Query(ctx, initial)
	if err != nil {
		return err
	}

	seen := make(map[string]bool)
	var lastCreated string
	for i := len(events) - 1; i >= 0; i-- {
		formatEvent(w, events[i])
		seen[events[i].ID] = true
		lastCreated = events[i].CreatedAt
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		opts := base
		if lastCreated != "" {
			after, err := time.Parse(time.RFC3339, lastCreated)
			if err == nil {
				opts.After = &after
			}
		}
		fresh, err := reader.Query(ctx, opts)
		if err != nil {
			return err
		}
		for i := len(fresh) - 1; i >= 0; i-- {
			e := fresh[i]
			if seen[e.ID] {
				continue
			}
			formatEvent(w, e)
			seen[e.ID] = true
			lastCreated = e.CreatedAt
		}
	}
}

func formatEvent(w io.Writer, e protocol.Event) {
	target := ""
	if e.TargetPersonaID != "" {
		target = " -> " + e.TargetPersonaID
	}
	source := e.SourceType
	if e.SourceID != "" {
		source += ":" + e.SourceID
	}
	payload := e.Payload
	if payload == "{}" {
		payload = ""
	}
	fmt.Fprintf(w, "%s  %-24s %s%s  %s\n", e.CreatedAt, e.EventType, source, target, payload)
}
