package data

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mkrader/taskmesh/pkg/types"
)

// AppendFeedback inserts a feedback record. Records are append-only; there
// is no update path.
func (s *Store) AppendFeedback(ctx context.Context, r *types.FeedbackRecord) error {
	var rating any
	if r.Rating > 0 {
		rating = r.Rating
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback_records (id, task_id, prompt, response, model_id, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, nullString(r.TaskID), r.Prompt, r.Response, r.ModelID, rating, nullString(r.Comment), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("append feedback %s: %w", r.ID, err)
	}
	return nil
}

// AppendOutcome inserts a task outcome row.
func (s *Store) AppendOutcome(ctx context.Context, o *types.TaskOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_outcomes (task_id, model_id, success, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, o.TaskID, o.ModelID, boolToInt(o.Success), o.Latency.Milliseconds(), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("append outcome for task %s: %w", o.TaskID, err)
	}
	return nil
}

// FeedbackSince returns feedback records created at or after the cutoff,
// optionally restricted to one model. Oldest first, so training batches see
// records in arrival order.
func (s *Store) FeedbackSince(ctx context.Context, cutoff time.Time, modelID string) ([]*types.FeedbackRecord, error) {
	query := `
		SELECT id, task_id, prompt, response, model_id, rating, comment, created_at
		FROM feedback_records
		WHERE created_at >= ?
	`
	args := []any{cutoff}
	if modelID != "" {
		query += " AND model_id = ?"
		args = append(args, modelID)
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer rows.Close()

	var records []*types.FeedbackRecord
	for rows.Next() {
		var (
			r       types.FeedbackRecord
			taskID  sql.NullString
			rating  sql.NullInt64
			comment sql.NullString
		)
		if err := rows.Scan(&r.ID, &taskID, &r.Prompt, &r.Response, &r.ModelID, &rating, &comment, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.TaskID = taskID.String
		r.Rating = int(rating.Int64)
		r.Comment = comment.String
		records = append(records, &r)
	}
	return records, rows.Err()
}

// ModelOutcomeStats aggregates success rate and mean latency for a model.
func (s *Store) ModelOutcomeStats(ctx context.Context, modelID string) (successRate float64, count int, avgLatencyMs float64, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(success), 0), COUNT(*), COALESCE(AVG(latency_ms), 0)
		FROM task_outcomes WHERE model_id = ?
	`, modelID)
	if err := row.Scan(&successRate, &count, &avgLatencyMs); err != nil {
		return 0, 0, 0, fmt.Errorf("query outcome stats for %s: %w", modelID, err)
	}
	return successRate, count, avgLatencyMs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
