package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mkrader/taskmesh/pkg/types"
)

// SaveAgent inserts or replaces an agent row.
func (s *Store) SaveAgent(ctx context.Context, a *types.Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	query := `
		INSERT INTO agents (id, name, type, status, model_id, capabilities, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			status = excluded.status,
			model_id = excluded.model_id,
			capabilities = excluded.capabilities
	`

	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.Name, a.Type, string(a.Status),
		nullString(a.ModelID), string(caps), a.RegisteredAt,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent retrieves an agent by id. Returns sql.ErrNoRows when absent.
func (s *Store) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, status, model_id, capabilities, registered_at
		FROM agents WHERE id = ?
	`, id)
	return scanAgent(row)
}

// ListAgents returns all registered agents ordered by registration time.
func (s *Store) ListAgents(ctx context.Context) ([]*types.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, status, model_id, capabilities, registered_at
		FROM agents ORDER BY registered_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []*types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DeleteAgent removes an agent row after deregistration.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	return nil
}

func scanAgent(row rowScanner) (*types.Agent, error) {
	var (
		a       types.Agent
		status  string
		modelID sql.NullString
		caps    string
	)

	if err := row.Scan(&a.ID, &a.Name, &a.Type, &status, &modelID, &caps, &a.RegisteredAt); err != nil {
		return nil, err
	}

	a.Status = types.AgentStatus(status)
	a.ModelID = modelID.String
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities for agent %s: %w", a.ID, err)
	}
	return &a, nil
}
