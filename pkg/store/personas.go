package store

import (
	"context"
	"database/sql"
	"fmt"

	"personad/pkg/protocol"
)

// Personas mirrors the YAML persona registry into the database so that
// status queries and the dashboard see the same world as the engine.
type Personas struct {
	db *sql.DB
}

// NewPersonas creates a persona store backed by db.
func NewPersonas(db *sql.DB) *Personas {
	return &Personas{db: db}
}

// Upsert writes the persona's current definition.
func (s *Personas) Upsert(ctx context.Context, p protocol.Persona, updatedAt string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO personas (id, name, enabled, max_concurrent, timeout_ms, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   enabled = excluded.enabled,
		   max_concurrent = excluded.max_concurrent,
		   timeout_ms = excluded.timeout_ms,
		   updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Enabled, p.MaxConcurrent, p.TimeoutMS, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("persona upsert %s: %w", p.ID, err)
	}
	return nil
}

// SetEnabled flips the mirrored enabled flag. The circuit breaker uses
// this to take a repeatedly failing persona out of rotation.
func (s *Personas) SetEnabled(ctx context.Context, id string, enabled bool, updatedAt string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE personas SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, updatedAt, id,
	)
	if err != nil {
		return fmt.Errorf("persona set enabled %s: %w", id, err)
	}
	return nil
}

// Get returns one mirrored persona by id.
func (s *Personas) Get(ctx context.Context, id string) (protocol.Persona, error) {
	var p protocol.Persona
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, enabled, max_concurrent, timeout_ms
		 FROM personas WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Enabled, &p.MaxConcurrent, &p.TimeoutMS)
	if err != nil {
		return protocol.Persona{}, fmt.Errorf("persona get %s: %w", id, err)
	}
	return p, nil
}

// List returns all mirrored personas ordered by id.
func (s *Personas) List(ctx context.Context) ([]protocol.Persona, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, enabled, max_concurrent, timeout_ms
		 FROM personas ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("persona list: %w", err)
	}
	defer rows.Close()

	var out []protocol.Persona
	for rows.Next() {
		var p protocol.Persona
		if err := rows.Scan(&p.ID, &p.Name, &p.Enabled, &p.MaxConcurrent, &p.TimeoutMS); err != nil {
			return nil, fmt.Errorf("persona list scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persona list rows: %w", err)
	}
	return out, nil
}

// Prune removes mirrored personas whose ids are no longer defined.
func (s *Personas) Prune(ctx context.Context, keep []string) error {
	if len(keep) == 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM personas`); err != nil {
			return fmt.Errorf("persona prune: %w", err)
		}
		return nil
	}
	placeholders := ""
	args := make([]any, 0, len(keep))
	for i, id := range keep {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM personas WHERE id NOT IN (%s)`, placeholders), args...)
	if err != nil {
		return fmt.Errorf("persona prune: %w", err)
	}
	return nil
}
