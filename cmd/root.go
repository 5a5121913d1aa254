package cmd

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var version string

// SetVersion sets the version string
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "ringsync",
	Short: "Local-first replication client for trial data",
	Long: `ringsync keeps a local, usable copy of shared trial data (entries,
classes, trials) in sync with the backend. It works fully offline: local
edits are queued durably and reconciled once connectivity returns, and a
realtime change stream keeps the cache fresh while connected.`,
}

// Execute runs the root command
func Execute() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initLogging)

	// Accept snake_case flag spellings
	rootCmd.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
}

// initLogging raises the slog level when RINGSYNC_DEBUG is set.
func initLogging() {
	level := slog.LevelWarn
	if v := os.Getenv("RINGSYNC_DEBUG"); v == "1" || v == "true" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
