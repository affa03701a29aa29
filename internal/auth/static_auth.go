package auth

import (
	"context"
	"strings"
)

// StaticAuthenticator is a development-only authenticator configured from the
// environment. With an explicit key list ("rk_key:name" or "rk_key:name:admin",
// comma-separated) only those keys authenticate; with an empty list any rk_
// key is accepted and mapped to a workspace derived from its prefix.
type StaticAuthenticator struct {
	keys map[string]*WorkspaceContext
}

// NewStaticAuthenticator parses a RELAY_API_KEYS-style spec.
func NewStaticAuthenticator(spec string) *StaticAuthenticator {
	a := &StaticAuthenticator{keys: make(map[string]*WorkspaceContext)}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		key := parts[0]
		if !strings.HasPrefix(key, "rk_") || len(key) < 8 {
			continue
		}
		wc := &WorkspaceContext{
			ID:        "static-" + key[:8],
			Name:      "static-" + key[:8],
			KeyPrefix: key[:8],
		}
		if len(parts) > 1 && parts[1] != "" {
			wc.ID = parts[1]
			wc.Name = parts[1]
		}
		if len(parts) > 2 && parts[2] == "admin" {
			wc.Admin = true
		}
		a.keys[key] = wc
	}
	return a
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, apiKey string) (*WorkspaceContext, error) {
	if wc, ok := a.keys[apiKey]; ok {
		cp := *wc
		return &cp, nil
	}
	if len(a.keys) > 0 {
		return nil, ErrUnauthenticated
	}
	// No configured keys: accept any rk_ key with a derived workspace.
	if !strings.HasPrefix(apiKey, "rk_") || len(apiKey) < 8 {
		return nil, ErrUnauthenticated
	}
	return &WorkspaceContext{
		ID:        "static-" + apiKey[:8],
		Name:      "static-" + apiKey[:8],
		KeyPrefix: apiKey[:8],
	}, nil
}
