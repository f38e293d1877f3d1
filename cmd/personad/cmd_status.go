package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"personad/pkg/protocol"
	"personad/pkg/store"
)

// statusStyles holds the lipgloss styles for the status display. When
// stdout is not a terminal all styles degrade to plain text.
type statusStyles struct {
	header lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
	muted  lipgloss.Style
}

func newStatusStyles(colored bool) statusStyles {
	if !colored {
		plain := lipgloss.NewStyle()
		return statusStyles{plain, plain, plain, plain, plain}
	}
	return statusStyles{
		header: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		warn:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		bad:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// newStatusCmd creates the "personad status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show personas, activity, and open issues",
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

			colored := isatty.IsTerminal(os.Stdout.Fd())
			return printStatus(cmd.Context(), cmd.OutOrStdout(), db, newStatusStyles(colored))
		},
	}
}

func printStatus(ctx context.Context, w io.Writer, db *sql.DB, st statusStyles) error {
	personas, err := store.NewPersonas(db).List(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintln(w, st.header.Render("Personas"))
	if len(personas) == 0 {
		fmt.Fprintln(w, st.muted.Render("  none configured"))
	}
	for _, p := range personas {
		state := st.ok.Render("enabled")
		if !p.Enabled {
			state = st.bad.Render("disabled")
		}
		running, queued := activeCounts(ctx, db, p.ID)
		fmt.Fprintf(w, "  %-20s %-10s running %d, queued %d\n", p.ID, state, running, queued)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, st.header.Render("Last 24 hours"))
	// started_at is RFC3339, so the cutoff must be too.
	cutoff := protocol.FormatTime(time.Now().Add(-24 * time.Hour))
	for _, s := range []string{
		protocol.StatusCompleted,
		protocol.StatusIncomplete,
		protocol.StatusFailed,
		protocol.StatusCancelled,
	} {
		var n int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM executions
			 WHERE status = ? AND started_at >= ?`, s, cutoff).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 || s == protocol.StatusCompleted {
			fmt.Fprintf(w, "  %-12s %d\n", s, n)
		}
	}
	fmt.Fprintln(w)

	issues, err := store.NewIssues(db).ListOpen(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, st.header.Render(fmt.Sprintf("Open issues (%d)", len(issues))))
	for i, issue := range issues {
		if i == 5 {
			fmt.Fprintln(w, st.muted.Render(fmt.Sprintf("  ... and %d more", len(issues)-5)))
			break
		}
		sev := st.warn
		if issue.Severity == "critical" || issue.Severity == "high" {
			sev = st.bad
		}
		fmt.Fprintf(w, "  %s %-18s %s\n",
			sev.Render(fmt.Sprintf("[%s]", issue.Severity)), issue.PersonaID, issue.Title)
	}
	fmt.Fprintln(w)

	msgs, err := store.NewUserMessages(db).ListRecent(ctx, 5)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, st.header.Render("Recent messages"))
	if len(msgs) == 0 {
		fmt.Fprintln(w, st.muted.Render("  none"))
	}
	for _, m := range msgs {
		text := m.Content
		if m.Title != "" {
			text = m.Title + ": " + text
		}
		if len(text) > 100 {
			text = text[:100] + "..."
		}
		fmt.Fprintf(w, "  %s %s\n",
			st.muted.Render(m.PersonaID), strings.ReplaceAll(text, "\n", " "))
	}
	return nil
}

func activeCounts(ctx context.Context, db *sql.DB, personaID string) (running, queued int) {
	_ = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE persona_id = ? AND status = ?`,
		personaID, protocol.StatusRunning).Scan(&running)
	_ = db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions WHERE persona_id = ? AND status = ?`,
		personaID, protocol.StatusQueued).Scan(&queued)
	return running, queued
}
