package cmd

import (
	"github.com/rbeezley/ringsync/internal/output"
	"github.com/rbeezley/ringsync/internal/store"
	"github.com/rbeezley/ringsync/internal/syncconfig"
	"github.com/spf13/cobra"
)

var pendingJSON bool

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued local edits",
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

		muts, err := st.ListMutations()
		if err != nil {
			return err
		}
		if pendingJSON {
			return output.JSON(muts)
		}
		if len(muts) == 0 {
			output.Info("No queued mutations")
			return nil
		}
		for _, m := range muts {
			output.Mutation(m)
		}
		return nil
	},
}

func init() {
	pendingCmd.Flags().BoolVar(&pendingJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(pendingCmd)
}
