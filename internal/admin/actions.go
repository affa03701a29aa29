package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kmabbott81/relay-sub007/internal/registry"
	"github.com/kmabbott81/relay-sub007/internal/store"
)

func newActionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Manage published actions",
	}

	cmd.AddCommand(newActionPublishCommand())
	cmd.AddCommand(newActionDeleteCommand())

	return cmd
}

// actionFile is the on-disk shape of one definition, the same JSON an entry
// in a RELAY_ACTIONS_FILE uses.
type actionFile struct {
	Workspace     string          `json:"workspace"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	InputSchema   json.RawMessage `json:"input_schema"`
	AdapterType   string          `json:"adapter_type"`
	AdapterConfig json.RawMessage `json:"adapter_config"`
	RateClass     string          `json:"rate_class"`
}

// loadActionRow reads a definition file and validates it the way the registry
// parses stored rows, so a malformed definition never reaches the database.
func loadActionRow(path, workspaceOverride string) (*store.ActionRow, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f actionFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	row := &store.ActionRow{
		WorkspaceID:   f.Workspace,
		Name:          f.Name,
		Description:   f.Description,
		InputSchema:   f.InputSchema,
		AdapterType:   f.AdapterType,
		AdapterConfig: f.AdapterConfig,
		RateClass:     f.RateClass,
	}
	if workspaceOverride != "" {
		row.WorkspaceID = workspaceOverride
	}
	if row.WorkspaceID == "" {
		return nil, fmt.Errorf("%s names no workspace and --workspace is not set", path)
	}
	if row.WorkspaceID == registry.WildcardWorkspace {
		return nil, fmt.Errorf("wildcard workspace %q only exists in static action files", registry.WildcardWorkspace)
	}
	if _, err := registry.ParseActionRow(row); err != nil {
		return nil, err
	}
	return row, nil
}

func newActionPublishCommand() *cobra.Command {
	var workspaceID string

	cmd := &cobra.Command{
		Use:   "publish <file.json>",
		Short: "Publish an action definition from a file",
		Long: `Publish an action definition. The file holds one definition in the same
JSON shape a RELAY_ACTIONS_FILE entry uses; --workspace overrides the
workspace named in the file. Publishing an existing workspace/name pair
replaces the definition, and running servers pick the change up on their
next registry cache refresh.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := loadActionRow(args[0], workspaceID)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			out, err := st.PublishAction(ctx, row)
			if err != nil {
				return err
			}

			fmt.Printf("Published %s to workspace %s\n", out.Name, out.WorkspaceID)
			fmt.Printf("  ID:      %s\n", out.ID)
			fmt.Printf("  Adapter: %s\n", out.AdapterType)
			return nil
		},
	}

	cmd.Flags().StringVar(&workspaceID, "workspace", "", "Workspace ID to publish into (overrides the file)")

	return cmd
}

func newActionDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <workspace-id> <name>",
		Short: "Delete a published action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeleteAction(ctx, args[0], args[1]); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("action %s/%s not found", args[0], args[1])
				}
				return err
			}

			fmt.Printf("Deleted %s from workspace %s\n", args[1], args[0])
			return nil
		},
	}
}
