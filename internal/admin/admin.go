// Package admin implements the relay-admin CLI: operator commands that
// manage workspaces and published actions directly in postgres. Running
// servers pick up changes through their caches on the next refresh; nothing
// here talks to a server.
package admin

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/spf13/cobra"

	"github.com/kmabbott81/relay-sub007/internal/config"
	"github.com/kmabbott81/relay-sub007/internal/store"
)

// NewRootCommand builds the relay-admin command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay-admin",
		Short: "Manage relay workspaces and actions",
		Long: `relay-admin operates the relay's postgres control plane: workspaces with
their API keys, and the actions published to them.

It reads the same POSTGRES_DSN environment variable as the server.

Examples:
  # Create a workspace and print its API key
  relay-admin workspace create acme

  # Publish an action definition from a file
  relay-admin action publish --workspace <id> notify-send.json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newWorkspaceCommand())
	cmd.AddCommand(newActionCommand())

	return cmd
}

// openStore connects to postgres per the server config and pings it so
// commands fail fast on a bad DSN. Callers own the returned store's Close.
func openStore(ctx context.Context) (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is not set")
	}

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return store.NewStore(db), nil
}
