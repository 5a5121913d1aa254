package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rbeezley/ringsync/internal/models"
	"github.com/rbeezley/ringsync/internal/output"
	"github.com/spf13/cobra"
)

var watchFilter string

var watchCmd = &cobra.Command{
	Use:   "watch <collection>",
	Short: "Follow the change stream and print events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		collection := args[0]

		mgr, st, err := openManager(true)
		if err != nil {
			return err
		}
		defer st.Close()
		defer mgr.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("start replication: %w", err)
		}

		err = mgr.Subscribe("watch", collection, watchFilter, func(ev models.ChangeEvent) {
			row := ev.NewRow
			if ev.Kind == models.ChangeDelete {
				row = ev.OldRow
			}
			data, _ := json.Marshal(row)
			output.Info("%s %s/%s %s", ev.Kind, ev.Collection, ev.EntityID(), data)
		})
		if err != nil {
			return err
		}
		defer mgr.Unsubscribe("watch")

		output.Subtle("watching %s (Ctrl-C to stop)", collection)
		<-ctx.Done()
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&watchFilter, "filter", "", "server-side event filter")
	rootCmd.AddCommand(watchCmd)
}
