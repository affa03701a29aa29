package auth

import (
	"context"
	"errors"
	"strings"
)

// Authenticator validates a workspace API key and returns the workspace it
// belongs to.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*WorkspaceContext, error)
}

// WorkspaceContext holds the authenticated workspace's identity and limits.
// Zero rate fields mean the server-wide default policy applies.
type WorkspaceContext struct {
	ID   string
	Name string
	// Admin keys may read the workspace's audit trail.
	Admin         bool
	KeyPrefix     string
	RatePerMinute int
	RateBurst     int
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// ExtractAPIKey pulls an rk_ API key out of an Authorization header value.
func ExtractAPIKey(header string) (string, error) {
	if header == "" {
		return "", ErrUnauthenticated
	}
	key := strings.TrimPrefix(header, "Bearer ")
	key = strings.TrimPrefix(key, "bearer ")
	if !strings.HasPrefix(key, "rk_") {
		return "", ErrUnauthenticated
	}
	return key, nil
}
