package auth

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/kmabbott81/relay-sub007/internal/store"
)

// WorkspaceStore abstracts the prefix lookup for testability. *store.Store
// satisfies it.
type WorkspaceStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*store.Workspace, error)
}

// PostgresAuthenticator validates API keys against the workspaces table.
// There is no fail-open mode: when the store cannot answer, the request is
// denied with an internal error, never allowed through.
type PostgresAuthenticator struct {
	store  WorkspaceStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	Store    WorkspaceStore
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  cfg.Store,
		cache:  NewAuthCache(ttl),
		logger: cfg.Logger,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context, apiKey string) (*WorkspaceContext, error) {
	if len(apiKey) < 8 {
		return nil, ErrUnauthenticated
	}

	cacheResult := a.cache.Get(apiKey)
	if cacheResult.Hit {
		if cacheResult.NeedsRefresh {
			go a.refreshInBackground(apiKey)
		}
		return cacheResult.Workspace, nil
	}

	workspace, err := a.authenticateFromDB(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	a.cache.Set(apiKey, workspace)
	return workspace, nil
}

func (a *PostgresAuthenticator) authenticateFromDB(ctx context.Context, apiKey string) (*WorkspaceContext, error) {
	prefix := apiKey[:8]

	row, err := a.store.LookupByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("authenticateFromDB: %w", err)
	}
	if row == nil {
		return nil, ErrUnauthenticated
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(apiKey)); err != nil {
		return nil, ErrUnauthenticated
	}

	wc := &WorkspaceContext{
		ID:        row.ID,
		Name:      row.Name,
		Admin:     row.Admin,
		KeyPrefix: row.APIKeyPrefix,
	}
	if row.RatePerMinute != nil {
		wc.RatePerMinute = *row.RatePerMinute
	}
	if row.RateBurst != nil {
		wc.RateBurst = *row.RateBurst
	}
	return wc, nil
}

func (a *PostgresAuthenticator) refreshInBackground(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	workspace, err := a.authenticateFromDB(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		a.cache.ReleaseRefresh(apiKey)
		return
	}
	a.cache.Set(apiKey, workspace)
}
