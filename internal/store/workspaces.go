package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Workspace represents a row in the workspaces table. Nil rate fields mean
// the workspace uses the server-wide default policy.
type Workspace struct {
	ID            string
	Name          string
	APIKeyHash    string
	APIKeyPrefix  string
	Admin         bool
	RatePerMinute *int
	RateBurst     *int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// GenerateAPIKey creates a new rk_ API key with its bcrypt hash and prefix.
// Returns (fullKey, hash, prefix, error). The fullKey is shown to the caller once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := "rk_" + hex.EncodeToString(raw) // 67 chars total

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}

	prefix := fullKey[:8] // "rk_abcde"
	return fullKey, string(hashBytes), prefix, nil
}

// CreateWorkspace inserts a new workspace. Returns the workspace and the
// plaintext API key (shown once).
func (s *Store) CreateWorkspace(ctx context.Context, name string, admin bool) (*Workspace, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateWorkspace: %w", err)
	}

	var w Workspace
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO workspaces (name, api_key_hash, api_key_prefix, admin)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, api_key_hash, api_key_prefix, admin,
		          rate_per_minute, rate_burst, created_at, updated_at`,
		name, keyHash, keyPrefix, admin,
	).Scan(&w.ID, &w.Name, &w.APIKeyHash, &w.APIKeyPrefix, &w.Admin,
		&w.RatePerMinute, &w.RateBurst, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("CreateWorkspace: %w", err)
	}

	return &w, fullKey, nil
}

// GetWorkspace returns a workspace by ID, or nil if not found.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var w Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_hash, api_key_prefix, admin,
		       rate_per_minute, rate_burst, created_at, updated_at
		FROM workspaces WHERE id = $1`, id,
	).Scan(&w.ID, &w.Name, &w.APIKeyHash, &w.APIKeyPrefix, &w.Admin,
		&w.RatePerMinute, &w.RateBurst, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetWorkspace: %w", err)
	}
	return &w, nil
}

// ListWorkspaces returns all workspaces ordered by created_at DESC.
func (s *Store) ListWorkspaces(ctx context.Context) ([]*Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, api_key_hash, api_key_prefix, admin,
		       rate_per_minute, rate_burst, created_at, updated_at
		FROM workspaces ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListWorkspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*Workspace
	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.ID, &w.Name, &w.APIKeyHash, &w.APIKeyPrefix, &w.Admin,
			&w.RatePerMinute, &w.RateBurst, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListWorkspaces: %w", err)
		}
		workspaces = append(workspaces, &w)
	}
	return workspaces, rows.Err()
}

// LookupByPrefix finds a workspace by API key prefix (first 8 chars).
// Used by auth to narrow candidates before bcrypt verify.
func (s *Store) LookupByPrefix(ctx context.Context, prefix string) (*Workspace, error) {
	var w Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_hash, api_key_prefix, admin,
		       rate_per_minute, rate_burst, created_at, updated_at
		FROM workspaces WHERE api_key_prefix = $1`, prefix,
	).Scan(&w.ID, &w.Name, &w.APIKeyHash, &w.APIKeyPrefix, &w.Admin,
		&w.RatePerMinute, &w.RateBurst, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupByPrefix: %w", err)
	}
	return &w, nil
}

// RotateAPIKey generates a new API key for a workspace.
// Returns the updated workspace and the plaintext key (shown once).
func (s *Store) RotateAPIKey(ctx context.Context, id string) (*Workspace, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("RotateAPIKey: %w", err)
	}

	var w Workspace
	err = s.db.QueryRowContext(ctx, `
		UPDATE workspaces SET
			api_key_hash   = $2,
			api_key_prefix = $3,
			updated_at     = now()
		WHERE id = $1
		RETURNING id, name, api_key_hash, api_key_prefix, admin,
		          rate_per_minute, rate_burst, created_at, updated_at`,
		id, keyHash, keyPrefix,
	).Scan(&w.ID, &w.Name, &w.APIKeyHash, &w.APIKeyPrefix, &w.Admin,
		&w.RatePerMinute, &w.RateBurst, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, "", fmt.Errorf("RotateAPIKey: workspace not found")
	}
	if err != nil {
		return nil, "", fmt.Errorf("RotateAPIKey: %w", err)
	}

	return &w, fullKey, nil
}
