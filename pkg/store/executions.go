package store

import (
	"context"
	"database/sql"
	"fmt"

	"personad/pkg/protocol"
)

// Executions manages the executions table.
type Executions struct {
	db *sql.DB
}

// NewExecutions creates an execution store backed by db.
func NewExecutions(db *sql.DB) *Executions {
	return &Executions{db: db}
}

// Insert creates a new execution row.
func (s *Executions) Insert(ctx context.Context, e protocol.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions
		   (id, persona_id, trigger_id, status, started_at, retry_of, retry_count)
		 VALUES (?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?)`,
		e.ID, e.PersonaID, e.TriggerID, e.Status, e.StartedAt, e.RetryOf, e.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("execution insert %s: %w", e.ID, err)
	}
	return nil
}

// SetStatus updates only the status of a live execution.
func (s *Executions) SetStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("execution set status %s: %w", id, err)
	}
	return nil
}

// Finish writes the terminal fields of an execution in one statement.
func (s *Executions) Finish(ctx context.Context, e protocol.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE executions SET
		   status = ?, ended_at = ?, exit_code = ?, output = ?, tool_steps = ?,
		   cost_usd = ?, input_tokens = ?, output_tokens = ?,
		   model = NULLIF(?, ''), session_id = NULLIF(?, ''),
		   duration_ms = ?, flows = NULLIF(?, '')
		 WHERE id = ?`,
		e.Status, e.EndedAt, e.ExitCode, e.Output, e.ToolSteps,
		e.CostUSD, e.InputTokens, e.OutputTokens,
		e.Model, e.SessionID, e.DurationMS, e.Flows, e.ID,
	)
	if err != nil {
		return fmt.Errorf("execution finish %s: %w", e.ID, err)
	}
	return nil
}

const executionColumns = `id, persona_id, COALESCE(trigger_id, ''), status,
	started_at, COALESCE(ended_at, ''), COALESCE(exit_code, -1), output,
	tool_steps, cost_usd, input_tokens, output_tokens,
	COALESCE(model, ''), COALESCE(session_id, ''), duration_ms,
	COALESCE(flows, ''), COALESCE(retry_of, ''), retry_count`

// scanExecution scans one execution row in executionColumns order.
func scanExecution(row interface{ Scan(...any) error }) (protocol.Execution, error) {
	var e protocol.Execution
	err := row.Scan(
		&e.ID, &e.PersonaID, &e.TriggerID, &e.Status,
		&e.StartedAt, &e.EndedAt, &e.ExitCode, &e.Output,
		&e.ToolSteps, &e.CostUSD, &e.InputTokens, &e.OutputTokens,
		&e.Model, &e.SessionID, &e.DurationMS,
		&e.Flows, &e.RetryOf, &e.RetryCount,
	)
	return e, err
}

// Get returns one execution by id.
func (s *Executions) Get(ctx context.Context, id string) (protocol.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return protocol.Execution{}, &protocol.ExecutionNotFoundError{ExecutionID: id}
	}
	if err != nil {
		return protocol.Execution{}, fmt.Errorf("execution get %s: %w", id, err)
	}
	return e, nil
}

// ListOpts filters ListRecent.
type ListOpts struct {
	PersonaID string
	Status    string
	Limit     int // default 50
}

// ListRecent returns executions newest first.
func (s *Executions) ListRecent(ctx context.Context, opts ListOpts) ([]protocol.Execution, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any
	if opts.PersonaID != "" {
		q += ` AND persona_id = ?`
		args = append(args, opts.PersonaID)
	}
	if opts.Status != "" {
		q += ` AND status = ?`
		args = append(args, opts.Status)
	}
	q += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("execution list: %w", err)
	}
	defer rows.Close()

	var out []protocol.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("execution list scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("execution list rows: %w", err)
	}
	return out, nil
}

// ConsecutiveFailures counts the persona's most recent terminal executions
// that failed or came back incomplete, stopping at the first success.
func (s *Executions) ConsecutiveFailures(ctx context.Context, personaID string) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status FROM executions
		 WHERE persona_id = ? AND status IN (?, ?, ?, ?)
		 ORDER BY started_at DESC, id DESC LIMIT 20`,
		personaID,
		protocol.StatusCompleted, protocol.StatusIncomplete,
		protocol.StatusFailed, protocol.StatusCancelled,
	)
	if err != nil {
		return 0, fmt.Errorf("consecutive failures: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, fmt.Errorf("consecutive failures scan: %w", err)
		}
		if status != protocol.StatusFailed && status != protocol.StatusIncomplete {
			break
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("consecutive failures rows: %w", err)
	}
	return count, nil
}

// RecoverStale marks any execution still queued or running as failed.
// Called at startup: such rows can only be left over from a crashed engine.
func (s *Executions) RecoverStale(ctx context.Context, endedAt string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions
		 SET status = ?, ended_at = ?, output = output || ?
		 WHERE status IN (?, ?)`,
		protocol.StatusFailed, endedAt, "\n[stale execution recovered at startup]",
		protocol.StatusQueued, protocol.StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stale rows affected: %w", err)
	}
	return n, nil
}
