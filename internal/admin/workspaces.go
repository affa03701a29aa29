package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kmabbott81/relay-sub007/internal/store"
)

func newWorkspaceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Manage workspaces",
	}

	cmd.AddCommand(newWorkspaceCreateCommand())
	cmd.AddCommand(newWorkspaceListCommand())
	cmd.AddCommand(newWorkspaceShowCommand())
	cmd.AddCommand(newWorkspaceRotateKeyCommand())

	return cmd
}

func newWorkspaceCreateCommand() *cobra.Command {
	var admin bool

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a workspace and print its API key",
		Long: `Create a workspace. Only the bcrypt hash of the generated API key is
stored, so the key is printed once; losing it means rotating it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			ws, key, err := st.CreateWorkspace(ctx, args[0], admin)
			if err != nil {
				return err
			}

			fmt.Printf("Created workspace %s\n", ws.Name)
			fmt.Printf("  ID:         %s\n", ws.ID)
			fmt.Printf("  Key prefix: %s\n", ws.APIKeyPrefix)
			fmt.Printf("  API key:    %s\n", key)
			fmt.Println("The API key is shown once; store it now.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the workspace admin access")

	return cmd
}

func newWorkspaceListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			workspaces, err := st.ListWorkspaces(ctx)
			if err != nil {
				return err
			}
			if len(workspaces) == 0 {
				fmt.Println("No workspaces")
				return nil
			}

			fmt.Printf("%-36s  %-20s  %-8s  %-5s  %s\n", "ID", "NAME", "PREFIX", "ADMIN", "RATE")
			for _, ws := range workspaces {
				fmt.Printf("%-36s  %-20s  %-8s  %-5t  %s\n",
					ws.ID, ws.Name, ws.APIKeyPrefix, ws.Admin, ratePolicy(ws))
			}
			return nil
		},
	}
}

func newWorkspaceShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			ws, err := st.GetWorkspace(ctx, args[0])
			if err != nil {
				return err
			}
			if ws == nil {
				return fmt.Errorf("workspace %q not found", args[0])
			}

			fmt.Printf("ID:         %s\n", ws.ID)
			fmt.Printf("Name:       %s\n", ws.Name)
			fmt.Printf("Key prefix: %s\n", ws.APIKeyPrefix)
			fmt.Printf("Admin:      %t\n", ws.Admin)
			fmt.Printf("Rate:       %s\n", ratePolicy(ws))
			fmt.Printf("Created:    %s\n", ws.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated:    %s\n", ws.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newWorkspaceRotateKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key <id>",
		Short: "Replace a workspace's API key",
		Long: `Replace a workspace's API key. The old key stops authenticating as soon
as server auth caches refresh; the new key is printed once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			ws, key, err := st.RotateAPIKey(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Rotated API key for workspace %s\n", ws.Name)
			fmt.Printf("  Key prefix: %s\n", ws.APIKeyPrefix)
			fmt.Printf("  API key:    %s\n", key)
			fmt.Println("The API key is shown once; store it now.")
			return nil
		},
	}
}

// ratePolicy renders a workspace's rate override, or "default" when it uses
// the server-wide policy.
func ratePolicy(ws *store.Workspace) string {
	if ws.RatePerMinute == nil {
		return "default"
	}
	out := fmt.Sprintf("%d/min", *ws.RatePerMinute)
	if ws.RateBurst != nil {
		out = fmt.Sprintf("%s burst %d", out, *ws.RateBurst)
	}
	return out
}
