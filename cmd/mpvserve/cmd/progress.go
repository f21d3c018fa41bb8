package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mpvserve/mpvserve/internal/database"
	"github.com/mpvserve/mpvserve/internal/pathutil"
	"github.com/mpvserve/mpvserve/internal/progress"
)

func init() {
	progressCmd := &cobra.Command{
		Use:   "progress",
		Short: "Inspect or reset recorded playback progress",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recently watched files",
		Args:  cobra.NoArgs,
		RunE:  runProgressList,
	}
	listCmd.Flags().Int("limit", 20, "maximum number of records")
	listCmd.Flags().String("user", "", "only show records of this user id")

	resetCmd := &cobra.Command{
		Use:   "reset <key>...",
		Short: "Forget the progress stored under the given keys",
		Long:  `Delete progress records. A key is the encoded file path and the user id joined by "?", as shown by "progress list".`,
		Args:  cobra.MinimumNArgs(1),
		RunE:  runProgressReset,
	}

	progressCmd.AddCommand(listCmd, resetCmd)
	rootCmd.AddCommand(progressCmd)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runProgressList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	user, _ := cmd.Flags().GetString("user")

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
	defer store.Close(ctx)

	records, err := store.ListRecent(ctx, limit)
	if err != nil {
		return err
	}

	return printRecords(cmd, filterByUser(records, user))
}

func filterByUser(records []*database.ProgressRecord, user string) []*database.ProgressRecord {
	if user == "" {
		return records
	}
	suffix := pathutil.KeySeparator + user
	filtered := make([]*database.ProgressRecord, 0, len(records))
	for _, rec := range records {
		if strings.HasSuffix(rec.Path, suffix) {
			filtered = append(filtered, rec)
		}
	}
	return filtered
}

func printRecords(cmd *cobra.Command, records []*database.ProgressRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No progress recorded.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tPROGRESS\tPOSITION\tLENGTH\tLAST WATCHED")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%d%%\t%d\t%d\t%s\n",
			rec.Path,
			progress.Percentage(rec.LastFilePosition, rec.FileLength),
			rec.LastFilePosition,
			rec.FileLength,
			time.Unix(rec.LastTimestamp, 0).Format(time.DateTime))
	}
	return w.Flush()
}

func runProgressReset(cmd *cobra.Command, args []string) error {
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
	defer store.Close(ctx)

	deleted, err := deleteKeys(ctx, store.progressStore, args)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d of %d progress records.\n", deleted, len(args))
	return nil
}

type bulkDeleter interface {
	DeleteBulk(ctx context.Context, keys []string) (int, error)
}

// deleteKeys removes every key, in one transaction when the store supports it.
// Unknown keys are skipped.
func deleteKeys(ctx context.Context, store progressStore, keys []string) (int, error) {
	if bulk, ok := store.(bulkDeleter); ok {
		return bulk.DeleteBulk(ctx, keys)
	}

	deleted := 0
	for _, key := range keys {
		err := store.Delete(ctx, key)
		if errors.Is(err, database.ErrNotFound) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
