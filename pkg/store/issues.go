package store

import (
	"context"
	"database/sql"
	"fmt"

	"personad/pkg/protocol"
)

// Issues manages the issues table.
type Issues struct {
	db *sql.DB
}

// NewIssues creates an issue store backed by db.
func NewIssues(db *sql.DB) *Issues {
	return &Issues{db: db}
}

// Insert records a new healing issue. The partial unique index on open
// issues enforces at most one open issue per execution; a second open
// insert for the same execution returns an error.
func (s *Issues) Insert(ctx context.Context, i protocol.Issue) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO issues
		   (id, execution_id, persona_id, category, severity, title, detail,
		    suggested_fix, auto_fixed, retry_count, resolved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?)`,
		i.ID, i.ExecutionID, i.PersonaID, i.Category, i.Severity, i.Title,
		i.Detail, i.SuggestedFix, i.AutoFixed, i.RetryCount, i.Resolved, i.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("issue insert %s: %w", i.ID, err)
	}
	return nil
}

const issueColumns = `id, execution_id, persona_id, category, severity, title,
	COALESCE(detail, ''), COALESCE(suggested_fix, ''), auto_fixed,
	retry_count, resolved, created_at`

// scanIssue scans one issue row in issueColumns order.
func scanIssue(row interface{ Scan(...any) error }) (protocol.Issue, error) {
	var i protocol.Issue
	err := row.Scan(
		&i.ID, &i.ExecutionID, &i.PersonaID, &i.Category, &i.Severity,
		&i.Title, &i.Detail, &i.SuggestedFix, &i.AutoFixed,
		&i.RetryCount, &i.Resolved, &i.CreatedAt,
	)
	return i, err
}

// ListOpen returns unresolved issues newest first.
func (s *Issues) ListOpen(ctx context.Context) ([]protocol.Issue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+issueColumns+` FROM issues
		 WHERE resolved = 0 ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("issue list open: %w", err)
	}
	defer rows.Close()

	var out []protocol.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("issue list scan: %w", err)
		}
		out = append(out, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("issue list rows: %w", err)
	}
	return out, nil
}

// OpenForExecution returns the open issue for an execution, if any.
func (s *Issues) OpenForExecution(ctx context.Context, executionID string) (protocol.Issue, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues
		 WHERE execution_id = ? AND resolved = 0`, executionID)
	i, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return protocol.Issue{}, false, nil
	}
	if err != nil {
		return protocol.Issue{}, false, fmt.Errorf("issue for execution %s: %w", executionID, err)
	}
	return i, true, nil
}

// Resolve closes an issue.
func (s *Issues) Resolve(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE issues SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("issue resolve %s: %w", id, err)
	}
	return nil
}

// MarkAutoFixed flags an issue as auto-fixed and bumps its retry count.
// retry_count is monotonically non-decreasing.
func (s *Issues) MarkAutoFixed(ctx context.Context, id string, retryCount int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE issues
		 SET auto_fixed = 1, retry_count = MAX(retry_count, ?)
		 WHERE id = ?`,
		retryCount, id)
	if err != nil {
		return fmt.Errorf("issue mark auto fixed %s: %w", id, err)
	}
	return nil
}
