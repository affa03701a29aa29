package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ActionRow represents a row in the actions table.
type ActionRow struct {
	ID            string
	WorkspaceID   string
	Name          string
	Description   string
	InputSchema   json.RawMessage
	AdapterType   string
	AdapterConfig json.RawMessage
	RateClass     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ListActions returns a workspace's actions ordered by name.
func (s *Store) ListActions(ctx context.Context, workspaceID string) ([]*ActionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, name, COALESCE(description, ''), input_schema,
		       adapter_type, adapter_config, rate_class, created_at, updated_at
		FROM actions WHERE workspace_id = $1 ORDER BY name`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("ListActions: %w", err)
	}
	defer rows.Close()

	var actions []*ActionRow
	for rows.Next() {
		var a ActionRow
		if err := rows.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.Description, &a.InputSchema,
			&a.AdapterType, &a.AdapterConfig, &a.RateClass, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListActions: %w", err)
		}
		actions = append(actions, &a)
	}
	return actions, rows.Err()
}

// GetAction returns one action by workspace and name, or nil if not found.
func (s *Store) GetAction(ctx context.Context, workspaceID, name string) (*ActionRow, error) {
	var a ActionRow
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, name, COALESCE(description, ''), input_schema,
		       adapter_type, adapter_config, rate_class, created_at, updated_at
		FROM actions WHERE workspace_id = $1 AND name = $2`, workspaceID, name,
	).Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.Description, &a.InputSchema,
		&a.AdapterType, &a.AdapterConfig, &a.RateClass, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetAction: %w", err)
	}
	return &a, nil
}

// PublishAction upserts an action definition. Registry reload is out of band:
// operators publish rows here and caches pick them up on the next refresh.
func (s *Store) PublishAction(ctx context.Context, a *ActionRow) (*ActionRow, error) {
	var out ActionRow
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO actions (workspace_id, name, description, input_schema,
		                     adapter_type, adapter_config, rate_class)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workspace_id, name) DO UPDATE SET
			description    = EXCLUDED.description,
			input_schema   = EXCLUDED.input_schema,
			adapter_type   = EXCLUDED.adapter_type,
			adapter_config = EXCLUDED.adapter_config,
			rate_class     = EXCLUDED.rate_class,
			updated_at     = now()
		RETURNING id, workspace_id, name, COALESCE(description, ''), input_schema,
		          adapter_type, adapter_config, rate_class, created_at, updated_at`,
		a.WorkspaceID, a.Name, a.Description, a.InputSchema,
		a.AdapterType, a.AdapterConfig, a.RateClass,
	).Scan(&out.ID, &out.WorkspaceID, &out.Name, &out.Description, &out.InputSchema,
		&out.AdapterType, &out.AdapterConfig, &out.RateClass, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("PublishAction: %w", err)
	}
	return &out, nil
}

// DeleteAction removes an action by workspace and name.
func (s *Store) DeleteAction(ctx context.Context, workspaceID, name string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM actions WHERE workspace_id = $1 AND name = $2`, workspaceID, name)
	if err != nil {
		return fmt.Errorf("DeleteAction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
