package cmd

import (
	"github.com/rbeezley/ringsync/internal/models"
	"github.com/rbeezley/ringsync/internal/output"
	"github.com/rbeezley/ringsync/internal/store"
	"github.com/rbeezley/ringsync/internal/syncconfig"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache and mutation queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := syncconfig.DatabasePath()
		if err != nil {
			return err
		}
		st, err := store.Open(path)
		if err != nil {
			return err
		}
		defer st.Close()

		output.Title("Cache")
		for _, name := range defaultCollections {
			count, err := st.CountRows(name)
			if err != nil {
				output.Warning("%s: %v", name, err)
				continue
			}
			last, _ := st.GetLastSync(name)
			if last != nil {
				output.Info("  %-10s %5d row(s)   last sync %s", name, count, last.Local().Format("2006-01-02 15:04:05"))
			} else {
				output.Info("  %-10s %5d row(s)   never synced", name, count)
			}
		}

		output.Title("Mutation queue")
		pending, err := st.CountMutations(models.StatusPending)
		if err != nil {
			return err
		}
		failed, err := st.CountMutations(models.StatusFailed)
		if err != nil {
			return err
		}
		output.Info("  %d pending, %d failed", pending, failed)
		if failed > 0 {
			output.Warning("run 'ringsync retry' to re-queue failed mutations")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
