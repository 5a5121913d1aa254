package cmd

import (
	"fmt"

	"github.com/rbeezley/ringsync/internal/output"
	"github.com/rbeezley/ringsync/internal/syncconfig"
	"github.com/spf13/cobra"
)

var (
	initServerURL  string
	initLicenseKey string
	initAPIKey     string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Configure the backend connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := syncconfig.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if initServerURL != "" {
			cfg.ServerURL = initServerURL
		}
		if initLicenseKey != "" {
			cfg.LicenseKey = initLicenseKey
		}
		if cfg.ServerURL == "" {
			return fmt.Errorf("--server is required on first init")
		}
		if cfg.LicenseKey == "" {
			return fmt.Errorf("--license is required on first init")
		}
		if err := syncconfig.SaveConfig(cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		if initAPIKey != "" {
			creds, err := syncconfig.LoadAuth()
			if err != nil {
				return fmt.Errorf("load credentials: %w", err)
			}
			if creds == nil {
				creds = &syncconfig.AuthCredentials{}
			}
			creds.APIKey = initAPIKey
			if err := syncconfig.SaveAuth(creds); err != nil {
				return fmt.Errorf("save credentials: %w", err)
			}
		}
		if _, err := syncconfig.GetDeviceID(); err != nil {
			return fmt.Errorf("generate device id: %w", err)
		}

		output.Success("Configured %s (license %s)", cfg.ServerURL, cfg.LicenseKey)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initServerURL, "server", "", "backend base URL")
	initCmd.Flags().StringVar(&initLicenseKey, "license", "", "license key scoping this client's data")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key for authenticated requests")
	rootCmd.AddCommand(initCmd)
}
