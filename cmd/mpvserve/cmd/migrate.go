package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the progress storage",
		Long:  `Run pending SQLite migrations, or create the mongo indexes, and exit. serve does the same on startup.`,
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}

	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logCloser, err := loadConfig()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx := commandContext(cmd)

	store, err := initializeStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Storage (%s) is up to date.\n", cfg.Database.Type)
	return store.Close(ctx)
}
