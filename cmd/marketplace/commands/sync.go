// ABOUTME: Sync commands for the Charm-backed Message Store
// ABOUTME: Provides status, immediate sync, and linked key listing
package commands

import (
	"fmt"

	"github.com/harper/marketplace-agent/internal/config"
	"github.com/harper/marketplace-agent/internal/storage/charmkv"
	"github.com/spf13/cobra"
)

// NewSyncCmd creates the sync command group
func NewSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Manage Charm cloud synchronization",
		Long: `Manage synchronization of the Message Store with Charm cloud.

Only applies when STORE_BACKEND=charm. The default SQLite store is local
to this machine and never syncs. With Charm, conversations sync across
devices linked to the same Charm account via SSH keys.`,
	}

	cmd.AddCommand(newSyncStatusCmd())
	cmd.AddCommand(newSyncNowCmd())
	cmd.AddCommand(newSyncKeysCmd())

	return cmd
}

func newSyncStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store backend and Charm connection info",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "Backend: %s\n", cfg.StoreBackend)
			if cfg.StoreBackend != config.BackendCharm {
				fmt.Fprintln(out, "Sync: disabled (local SQLite store)")
				return nil
			}

			fmt.Fprintf(out, "Host: %s\n", cfg.CharmHost)
			fmt.Fprintf(out, "Database: %s\n", cfg.CharmDBName)
			fmt.Fprintf(out, "Auto-sync: %t\n", cfg.AutoSync)

			id, err := charmkv.AccountID()
			if err != nil {
				fmt.Fprintln(out, "Status: Not connected")
				fmt.Fprintln(out, "Run 'marketplace sync keys' to check your SSH keys")
				return nil
			}
			fmt.Fprintln(out, "Status: Connected")
			fmt.Fprintf(out, "User ID: %s\n", id)
			return nil
		},
	}
}

func newSyncNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "now",
		Short: "Force immediate sync with Charm cloud",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.StoreBackend != config.BackendCharm {
				return fmt.Errorf("sync needs STORE_BACKEND=charm (current: %s)", cfg.StoreBackend)
			}

			store, err := charmkv.Open(charmkv.Config{Host: cfg.CharmHost, DBName: cfg.CharmDBName})
			if err != nil {
				return fmt.Errorf("failed to connect to Charm: %w", err)
			}
			defer store.Close()

			fmt.Fprintln(cmd.OutOrStdout(), "Syncing...")
			if err := store.Sync(); err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Sync complete")
			return nil
		},
	}
}

func newSyncKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List authorized SSH keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := charmkv.AuthorizedKeys()
			if err != nil {
				return fmt.Errorf("failed to get authorized keys: %w", err)
			}
			if keys == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No authorized keys found")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Authorized SSH keys:")
			fmt.Fprintln(cmd.OutOrStdout(), keys)
			return nil
		},
	}
}
