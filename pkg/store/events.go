package store

import (
	"context"
	"database/sql"
	"fmt"

	"personad/pkg/protocol"
)

// Events manages the append-only events table.
type Events struct {
	db *sql.DB
}

// NewEvents creates an event store backed by db.
func NewEvents(db *sql.DB) *Events {
	return &Events{db: db}
}

// Insert appends one event. Events are immutable once published.
func (s *Events) Insert(ctx context.Context, e protocol.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events
		   (id, event_type, source_type, source_id, target_persona_id, payload, hops, created_at)
		 VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?)`,
		e.ID, e.EventType, e.SourceType, e.SourceID, e.TargetPersonaID,
		e.Payload, e.Hops, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("event insert %s: %w", e.ID, err)
	}
	return nil
}

// PruneOlderThan deletes events created before cutoff, returning the count.
func (s *Events) PruneOlderThan(ctx context.Context, cutoff string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("event prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("event prune rows affected: %w", err)
	}
	return n, nil
}

// Subscriptions manages the subscriptions table.
type Subscriptions struct {
	db *sql.DB
}

// NewSubscriptions creates a subscription store backed by db.
func NewSubscriptions(db *sql.DB) *Subscriptions {
	return &Subscriptions{db: db}
}

// Sync replaces the persona's subscription set with rows.
func (s *Subscriptions) Sync(ctx context.Context, personaID string, rows []protocol.Subscription) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("subscription sync begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE persona_id = ?`, personaID); err != nil {
		return fmt.Errorf("subscription sync clear: %w", err)
	}
	for _, row := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscriptions (id, persona_id, event_type, source_filter, enabled)
			 VALUES (?, ?, ?, NULLIF(?, ''), ?)`,
			row.ID, personaID, row.EventType, row.SourceFilter, row.Enabled,
		); err != nil {
			return fmt.Errorf("subscription sync insert %s: %w", row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("subscription sync commit: %w", err)
	}
	return nil
}

// ListEnabledByType returns enabled subscriptions for one event type.
func (s *Subscriptions) ListEnabledByType(ctx context.Context, eventType string) ([]protocol.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, persona_id, event_type, COALESCE(source_filter, ''), enabled
		 FROM subscriptions
		 WHERE enabled = 1 AND event_type = ?
		 ORDER BY id`,
		eventType,
	)
	if err != nil {
		return nil, fmt.Errorf("subscription list: %w", err)
	}
	defer rows.Close()

	var out []protocol.Subscription
	for rows.Next() {
		var sub protocol.Subscription
		if err := rows.Scan(&sub.ID, &sub.PersonaID, &sub.EventType, &sub.SourceFilter, &sub.Enabled); err != nil {
			return nil, fmt.Errorf("subscription list scan: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("subscription list rows: %w", err)
	}
	return out, nil
}
