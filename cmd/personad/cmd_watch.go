package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"personad/pkg/protocol"
	"personad/pkg/store"
)

// newWatchCmd creates the "personad watch" subcommand: a live terminal
// view of recent executions.
func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live view of recent executions",
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

			p := tea.NewProgram(newWatchModel(db), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
}

// watchTickMsg triggers a periodic data refresh.
type watchTickMsg time.Time

// watchRowsMsg carries freshly fetched execution rows and the event tail.
type watchRowsMsg struct {
	rows   []table.Row
	events []string
	err    error
}

func watchTickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

type watchModel struct {
	db     *sql.DB
	table  table.Model
	events []string
	err    error
}

func newWatchModel(db *sql.DB) watchModel {
	columns := []table.Column{
		{Title: "Started", Width: 20},
		{Title: "Persona", Width: 18},
		{Title: "Status", Width: 10},
		{Title: "Duration", Width: 10},
		{Title: "Cost", Width: 9},
		{Title: "ID", Width: 36},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(lipgloss.Color("12"))
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return watchModel{db: db, table: t}
}

func (m watchModel) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		list, err := store.NewExecutions(m.db).ListRecent(context.Background(), store.ListOpts{Limit: 100})
		if err != nil {
			return watchRowsMsg{err: err}
		}
		rows := make([]table.Row, 0, len(list))
		for _, e := range list {
			rows = append(rows, table.Row{
				e.StartedAt,
				e.PersonaID,
				e.Status,
				(time.Duration(e.DurationMS) * time.Millisecond).String(),
				fmt.Sprintf("$%.4f", e.CostUSD),
				e.ID,
			})
		}
		events, err := recentEvents(context.Background(), m.db, 5)
		if err != nil {
			return watchRowsMsg{err: err}
		}
		return watchRowsMsg{rows: rows, events: events}
	}
}

// recentEvents returns the n newest event lines, oldest first.
func recentEvents(ctx context.Context, db *sql.DB, n int) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT event_type, source_type, COALESCE(source_id, ''),
		        COALESCE(target_persona_id, ''), payload, created_at
		 FROM events ORDER BY created_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var e protocol.Event
		if err := rows.Scan(&e.EventType, &e.SourceType, &e.SourceID,
			&e.TargetPersonaID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		var buf strings.Builder
		formatEvent(&buf, e)
		lines = append(lines, strings.TrimRight(buf.String(), "\n"))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest first from the query; flip for display.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), watchTickCmd())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.table.SetHeight(msg.Height - 4)
	case watchTickMsg:
		return m, tea.Batch(m.fetchCmd(), watchTickCmd())
	case watchRowsMsg:
		m.err = msg.err
		if msg.err == nil {
			m.table.SetRows(msg.rows)
			m.events = msg.events
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m watchModel) View() string {
	header := lipgloss.NewStyle().Bold(true).Render("personad executions")
	footer := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).
		Render("q to quit, refreshes every 2s")
	if m.err != nil {
		footer = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).
			Render(fmt.Sprintf("error: %v", m.err))
	}

	tail := ""
	if len(m.events) > 0 {
		muted := lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
		tail = "\n" + lipgloss.NewStyle().Bold(true).Render("events") + "\n" +
			muted.Render(strings.Join(m.events, "\n")) + "\n"
	}
	return header + "\n" + m.table.View() + "\n" + tail + footer + "\n"
}
