package registry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kmabbott81/relay-sub007/internal/store"
)

// ActionStore abstracts the DB queries for testability. *store.Store
// satisfies it.
type ActionStore interface {
	GetAction(ctx context.Context, workspaceID, name string) (*store.ActionRow, error)
	ListActions(ctx context.Context, workspaceID string) ([]*store.ActionRow, error)
}

// PostgresRegistry fetches action definitions from the actions table with
// stale-while-revalidate caching on both single lookups and lists, plus
// negative caching for unknown names.
type PostgresRegistry struct {
	store     ActionStore
	cache     *ActionCache
	listCache *ListCache
	logger    *zap.Logger
}

// PostgresRegistryConfig configures the PostgresRegistry.
type PostgresRegistryConfig struct {
	Store    ActionStore
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresRegistry creates a new PostgresRegistry.
func NewPostgresRegistry(cfg PostgresRegistryConfig) *PostgresRegistry {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 60 * time.Second
	}
	return &PostgresRegistry{
		store:     cfg.Store,
		cache:     NewActionCache(ttl),
		listCache: NewListCache(ttl),
		logger:    cfg.Logger,
	}
}

func (r *PostgresRegistry) Get(ctx context.Context, workspaceID, name string) (*ActionDefinition, error) {
	cacheResult := r.cache.Get(workspaceID, name)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go r.refreshInBackground(workspaceID, name)
		}
		return cacheResult.Action, nil
	}

	def, err := r.fetchFromDB(ctx, workspaceID, name)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	// def may be nil here: store that as a negative entry so repeated
	// lookups of unknown names stay cheap.
	r.cache.Set(workspaceID, name, def)
	return def, nil
}

func (r *PostgresRegistry) List(ctx context.Context, workspaceID string) ([]*ActionDefinition, error) {
	cacheResult := r.listCache.Get(workspaceID)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go r.refreshListInBackground(workspaceID)
		}
		return cacheResult.Actions, nil
	}

	defs, err := r.listFromDB(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	r.listCache.Set(workspaceID, defs)
	return defs, nil
}

func (r *PostgresRegistry) fetchFromDB(ctx context.Context, workspaceID, name string) (*ActionDefinition, error) {
	row, err := r.store.GetAction(ctx, workspaceID, name)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return ParseActionRow(row)
}

func (r *PostgresRegistry) listFromDB(ctx context.Context, workspaceID string) ([]*ActionDefinition, error) {
	rows, err := r.store.ListActions(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	defs := make([]*ActionDefinition, 0, len(rows))
	for _, row := range rows {
		def, err := ParseActionRow(row)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (r *PostgresRegistry) refreshInBackground(workspaceID, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	def, err := r.fetchFromDB(ctx, workspaceID, name)
	if err != nil {
		r.logger.Warn("background registry refresh failed",
			zap.String("workspace_id", workspaceID),
			zap.String("action", name),
			zap.Error(err),
		)
		r.cache.ReleaseRefresh(workspaceID, name)
		return
	}
	r.cache.Set(workspaceID, name, def)
}

func (r *PostgresRegistry) refreshListInBackground(workspaceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	defs, err := r.listFromDB(ctx, workspaceID)
	if err != nil {
		r.logger.Warn("background registry list refresh failed",
			zap.String("workspace_id", workspaceID),
			zap.Error(err),
		)
		r.listCache.ReleaseRefresh(workspaceID)
		return
	}
	r.listCache.Set(workspaceID, defs)
}

// ParseActionRow validates a stored row and builds its ActionDefinition.
// Callers that write rows (the admin publish path) run it first so malformed
// definitions are rejected before they ever reach the database.
func ParseActionRow(row *store.ActionRow) (*ActionDefinition, error) {
	return parseDefinition(row.ID, row.WorkspaceID, row.Name, row.Description,
		row.InputSchema, row.AdapterType, row.AdapterConfig, row.RateClass)
}
