package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"personad/pkg/protocol"
)

// Memories manages the memories table, fed by agent_memory messages.
type Memories struct {
	db *sql.DB
}

// NewMemories creates a memory store backed by db.
func NewMemories(db *sql.DB) *Memories {
	return &Memories{db: db}
}

// Insert adds a memory. Returns the inserted ID.
func (s *Memories) Insert(ctx context.Context, m protocol.Memory) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (persona_id, execution_id, title, content, category, importance, tags)
		 VALUES (?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''))`,
		m.PersonaID, m.ExecutionID, m.Title, m.Content, m.Category, m.Importance, m.Tags,
	)
	if err != nil {
		return 0, fmt.Errorf("memory insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("memory last insert id: %w", err)
	}
	return id, nil
}

// ListByPersona returns a persona's memories newest first.
func (s *Memories) ListByPersona(ctx context.Context, personaID string, limit int) ([]protocol.Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, persona_id, COALESCE(execution_id, ''), title, content,
		        COALESCE(category, ''), COALESCE(importance, 0), COALESCE(tags, ''), created_at
		 FROM memories WHERE persona_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		personaID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("memory list: %w", err)
	}
	defer rows.Close()

	var out []protocol.Memory
	for rows.Next() {
		var m protocol.Memory
		if err := rows.Scan(&m.ID, &m.PersonaID, &m.ExecutionID, &m.Title, &m.Content,
			&m.Category, &m.Importance, &m.Tags, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("memory list scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory list rows: %w", err)
	}
	return out, nil
}

// TagsJSON renders a tag list as its JSON column value.
func TagsJSON(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return ""
	}
	return string(b)
}

// UserMessages manages the messages table, fed by user_message messages.
type UserMessages struct {
	db *sql.DB
}

// NewUserMessages creates a message store backed by db.
func NewUserMessages(db *sql.DB) *UserMessages {
	return &UserMessages{db: db}
}

// Insert adds a message. Returns the inserted ID.
func (s *UserMessages) Insert(ctx context.Context, m protocol.UserMessage) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (persona_id, execution_id, title, content, content_type, priority)
		 VALUES (?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''))`,
		m.PersonaID, m.ExecutionID, m.Title, m.Content, m.ContentType, m.Priority,
	)
	if err != nil {
		return 0, fmt.Errorf("message insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message last insert id: %w", err)
	}
	return id, nil
}

// ListRecent returns messages newest first.
func (s *UserMessages) ListRecent(ctx context.Context, limit int) ([]protocol.UserMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, persona_id, COALESCE(execution_id, ''), COALESCE(title, ''),
		        content, COALESCE(content_type, ''), COALESCE(priority, ''), created_at
		 FROM messages ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("message list: %w", err)
	}
	defer rows.Close()

	var out []protocol.UserMessage
	for rows.Next() {
		var m protocol.UserMessage
		if err := rows.Scan(&m.ID, &m.PersonaID, &m.ExecutionID, &m.Title,
			&m.Content, &m.ContentType, &m.Priority, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("message list scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message list rows: %w", err)
	}
	return out, nil
}

// Reviews manages the reviews table, fed by manual_review messages.
type Reviews struct {
	db *sql.DB
}

// NewReviews creates a review store backed by db.
func NewReviews(db *sql.DB) *Reviews {
	return &Reviews{db: db}
}

// Insert adds a pending review. Returns the inserted ID.
func (s *Reviews) Insert(ctx context.Context, r protocol.Review) (int64, error) {
	status := r.Status
	if status == "" {
		status = "pending"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reviews (persona_id, execution_id, title, description, severity,
		                      context_data, suggested_actions, status)
		 VALUES (?, NULLIF(?, ''), ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?)`,
		r.PersonaID, r.ExecutionID, r.Title, r.Description, r.Severity,
		r.ContextData, r.SuggestedActions, status,
	)
	if err != nil {
		return 0, fmt.Errorf("review insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("review last insert id: %w", err)
	}
	return id, nil
}

// ListPending returns reviews awaiting attention, newest first.
func (s *Reviews) ListPending(ctx context.Context) ([]protocol.Review, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, persona_id, COALESCE(execution_id, ''), title,
		        COALESCE(description, ''), COALESCE(severity, ''),
		        COALESCE(context_data, ''), COALESCE(suggested_actions, ''),
		        status, created_at
		 FROM reviews WHERE status = 'pending'
		 ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("review list: %w", err)
	}
	defer rows.Close()

	var out []protocol.Review
	for rows.Next() {
		var r protocol.Review
		if err := rows.Scan(&r.ID, &r.PersonaID, &r.ExecutionID, &r.Title,
			&r.Description, &r.Severity, &r.ContextData, &r.SuggestedActions,
			&r.Status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("review list scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review list rows: %w", err)
	}
	return out, nil
}
