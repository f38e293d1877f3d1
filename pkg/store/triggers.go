package store

import (
	"context"
	"database/sql"
	"fmt"

	"personad/pkg/protocol"
)

// Triggers manages the triggers table.
type Triggers struct {
	db *sql.DB
}

// NewTriggers creates a trigger store backed by db.
func NewTriggers(db *sql.DB) *Triggers {
	return &Triggers{db: db}
}

// Sync replaces the persona's trigger set with rows, preserving
// next_fire_at for triggers that already exist. Triggers no longer defined
// for the persona are deleted.
func (s *Triggers) Sync(ctx context.Context, personaID string, rows []protocol.Trigger) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("trigger sync begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]any, 0, len(rows))
	placeholders := ""
	for i, row := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO triggers (id, persona_id, kind, config, enabled)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			   persona_id = excluded.persona_id,
			   kind = excluded.kind,
			   config = excluded.config,
			   enabled = excluded.enabled`,
			row.ID, personaID, row.Kind, row.Config, row.Enabled,
		); err != nil {
			return fmt.Errorf("trigger sync upsert %s: %w", row.ID, err)
		}
		ids = append(ids, row.ID)
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
	}

	del := `DELETE FROM triggers WHERE persona_id = ?`
	args := []any{personaID}
	if len(ids) > 0 {
		del += fmt.Sprintf(` AND id NOT IN (%s)`, placeholders)
		args = append(args, ids...)
	}
	if _, err := tx.ExecContext(ctx, del, args...); err != nil {
		return fmt.Errorf("trigger sync prune: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("trigger sync commit: %w", err)
	}
	return nil
}

// scanTrigger scans one trigger row.
func scanTrigger(rows *sql.Rows) (protocol.Trigger, error) {
	var t protocol.Trigger
	var nextFire sql.NullString
	if err := rows.Scan(&t.ID, &t.PersonaID, &t.Kind, &t.Config, &t.Enabled, &nextFire); err != nil {
		return protocol.Trigger{}, err
	}
	t.NextFireAt = nextFire.String
	return t, nil
}

const triggerColumns = `id, persona_id, kind, config, enabled, next_fire_at`

// ListScheduled returns all enabled schedule and polling triggers.
func (s *Triggers) ListScheduled(ctx context.Context) ([]protocol.Trigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+triggerColumns+` FROM triggers
		 WHERE enabled = 1 AND kind IN (?, ?)
		 ORDER BY id`,
		protocol.TriggerSchedule, protocol.TriggerPolling,
	)
	if err != nil {
		return nil, fmt.Errorf("trigger list scheduled: %w", err)
	}
	defer rows.Close()

	var out []protocol.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("trigger list scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trigger list rows: %w", err)
	}
	return out, nil
}

// List returns all triggers ordered by persona then id.
func (s *Triggers) List(ctx context.Context) ([]protocol.Trigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+triggerColumns+` FROM triggers ORDER BY persona_id, id`)
	if err != nil {
		return nil, fmt.Errorf("trigger list: %w", err)
	}
	defer rows.Close()

	var out []protocol.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("trigger list scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trigger list rows: %w", err)
	}
	return out, nil
}

// Get returns one trigger by id.
func (s *Triggers) Get(ctx context.Context, id string) (protocol.Trigger, error) {
	var t protocol.Trigger
	var nextFire sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT `+triggerColumns+` FROM triggers WHERE id = ?`, id,
	).Scan(&t.ID, &t.PersonaID, &t.Kind, &t.Config, &t.Enabled, &nextFire)
	if err != nil {
		return protocol.Trigger{}, fmt.Errorf("trigger get %s: %w", id, err)
	}
	t.NextFireAt = nextFire.String
	return t, nil
}

// SetNextFire advances a trigger's next_fire_at. The scheduler calls this
// strictly before dispatching the corresponding request.
func (s *Triggers) SetNextFire(ctx context.Context, id, nextFireAt string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET next_fire_at = ? WHERE id = ?`, nextFireAt, id)
	if err != nil {
		return fmt.Errorf("trigger set next fire %s: %w", id, err)
	}
	return nil
}

// Disable turns off a trigger, used when its config fails to parse.
func (s *Triggers) Disable(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET enabled = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("trigger disable %s: %w", id, err)
	}
	return nil
}
