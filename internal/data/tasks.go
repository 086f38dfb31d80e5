package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mkrader/taskmesh/pkg/types"
)

// SaveTask inserts or replaces a task row.
func (s *Store) SaveTask(ctx context.Context, t *types.Task) error {
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	query := `
		INSERT INTO tasks (
			id, title, description, status, priority, assigned_agent_id,
			tags, result_payload, failure_reason, created_at, due_date, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			assigned_agent_id = excluded.assigned_agent_id,
			tags = excluded.tags,
			result_payload = excluded.result_payload,
			failure_reason = excluded.failure_reason,
			completed_at = excluded.completed_at
	`

	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.Title, t.Description, string(t.Status), string(t.Priority),
		nullString(t.AssignedAgentID), string(tags),
		nullString(t.ResultPayload), nullString(t.FailureReason),
		t.CreatedAt, t.DueDate, t.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, status, priority, assigned_agent_id,
		       tags, result_payload, failure_reason, created_at, due_date, completed_at
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

// ListTasks returns all tasks, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]*types.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, status, priority, assigned_agent_id,
		       tags, result_payload, failure_reason, created_at, due_date, completed_at
		FROM tasks ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTask removes an archived task row.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		t             types.Task
		status        string
		priority      string
		agentID       sql.NullString
		tags          string
		resultPayload sql.NullString
		failureReason sql.NullString
	)

	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &status, &priority, &agentID,
		&tags, &resultPayload, &failureReason, &t.CreatedAt, &t.DueDate, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = types.TaskStatus(status)
	t.Priority = types.Priority(priority)
	t.AssignedAgentID = agentID.String
	t.ResultPayload = resultPayload.String
	t.FailureReason = failureReason.String
	if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags for task %s: %w", t.ID, err)
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
