package cmd

import (
	"fmt"

	"github.com/rbeezley/ringsync/internal/output"
	"github.com/rbeezley/ringsync/internal/replica"
	"github.com/spf13/cobra"
)

var syncFull bool

var syncCmd = &cobra.Command{
	Use:   "sync [collection]",
	Short: "Pull remote data and drain queued local edits",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, st, err := openManager(false)
		if err != nil {
			return err
		}
		defer st.Close()
		defer mgr.Close()

		ctx := cmd.Context()
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("start replication: %w", err)
		}

		// Drain first so our own edits are reflected in the pull.
		result, err := mgr.Drain(ctx)
		if err != nil {
			output.Warning("drain: %v", err)
		} else if result.Attempted > 0 {
			output.Info("Drained %d mutation(s): %d confirmed, %d retrying, %d dead-lettered",
				result.Attempted, result.Completed, result.Retried, result.DeadLettered)
		}

		collections := defaultCollections
		if len(args) == 1 {
			collections = args[:1]
		}
		opts := replica.SyncOptions{ForceFullSync: syncFull}
		for _, name := range collections {
			if err := mgr.SyncTable(ctx, name, opts); err != nil {
				return fmt.Errorf("sync %s: %w", name, err)
			}
			table, err := mgr.GetTable(name)
			if err != nil {
				return err
			}
			count, _ := table.Count()
			output.Success("%s: %d row(s) cached", name, count)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "replace the cache with a full pull")
	rootCmd.AddCommand(syncCmd)
}
