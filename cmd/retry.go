package cmd

import (
	"fmt"

	"github.com/rbeezley/ringsync/internal/output"
	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Re-queue dead-lettered mutations and drain",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, st, err := openManager(false)
		if err != nil {
			return err
		}
		defer st.Close()
		defer mgr.Close()

		result, err := mgr.RetryFailed(cmd.Context())
		if err != nil {
			return fmt.Errorf("retry failed mutations: %w", err)
		}
		if result.Attempted == 0 {
			output.Info("Nothing to retry")
			return nil
		}
		output.Success("Retried %d mutation(s): %d confirmed, %d retrying, %d dead-lettered",
			result.Attempted, result.Completed, result.Retried, result.DeadLettered)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
}
