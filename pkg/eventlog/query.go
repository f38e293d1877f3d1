// Package eventlog provides read-only access to the engine's SQLite event
// log, for the status and logs commands and other observers. Readers open
// their own connection in read-only mode so they never block the engine.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"personad/pkg/protocol"
)

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// PersonaID matches events targeted at or sourced from the persona.
	PersonaID string

	// EventType filters to a specific event type (e.g. "execution_failed").
	EventType string

	// SourceType filters by origin ("persona", "scheduler", "system", ...).
	SourceType string

	// After and Before bound created_at (inclusive).
	After  *time.Time
	Before *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader provides read-only access to the engine event log.
type Reader struct {
	db *sql.DB
}

// NewReader opens the engine's SQLite database in read-only mode with WAL.
// Returns an error if the database does not exist or cannot be opened.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Reader{db: db}, nil
}

// Close releases the database connection. Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query retrieves events matching the given filter criteria, newest first.
// Returns an empty slice if no events match.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]protocol.Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []protocol.Event
	for rows.Next() {
		var e protocol.Event
		var sourceID, target sql.NullString
		err := rows.Scan(
			&e.ID,
			&e.EventType,
			&e.SourceType,
			&sourceID,
			&target,
			&e.Payload,
			&e.Hops,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.SourceID = sourceID.String
		e.TargetPersonaID = target.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := `SELECT id, event_type, source_type, source_id, target_persona_id,
		payload, hops, created_at FROM events WHERE 1=1`

	if opts.PersonaID != "" {
		conditions = append(conditions, "(target_persona_id = ? OR source_id = ?)")
		args = append(args, opts.PersonaID, opts.PersonaID)
	}
	if opts.EventType != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, opts.EventType)
	}
	if opts.SourceType != "" {
		conditions = append(conditions, "source_type = ?")
		args = append(args, opts.SourceType)
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, protocol.FormatTime(*opts.After))
	}
	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, protocol.FormatTime(*opts.Before))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}
