package registry

import "context"

// ActionRegistry provides action definitions for a workspace. Every lookup is
// workspace-keyed; a definition can never be read through another workspace's
// credentials.
type ActionRegistry interface {
	// List returns the workspace's actions ordered by name.
	List(ctx context.Context, workspaceID string) ([]*ActionDefinition, error)
	// Get returns the definition for a workspace+name pair.
	// Returns nil if the action is not registered.
	Get(ctx context.Context, workspaceID, name string) (*ActionDefinition, error)
}
