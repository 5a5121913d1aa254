// Package syncconfig reads and writes the global ringsync configuration and
// credentials under ~/.config/ringsync.
package syncconfig

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the global config stored at ~/.config/ringsync/config.json.
type Config struct {
	ServerURL  string `json:"server_url"`
	LicenseKey string `json:"license_key"`
	// DatabasePath overrides the default local store location.
	DatabasePath string `json:"database_path,omitempty"`
	// AutoDrain controls the background drain after a local write.
	// nil = default true.
	AutoDrain *bool `json:"auto_drain,omitempty"`
}

// AuthCredentials stores authentication state at ~/.config/ringsync/auth.json.
type AuthCredentials struct {
	APIKey   string `json:"api_key"`
	DeviceID string `json:"device_id"`
}

const defaultServerURL = "http://localhost:8080"

// ConfigDir returns ~/.config/ringsync, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "ringsync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads the global config from ~/.config/ringsync/config.json.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig writes the global config to ~/.config/ringsync/config.json.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// LoadAuth reads credentials from ~/.config/ringsync/auth.json.
func LoadAuth() (*AuthCredentials, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}

// SaveAuth writes credentials to ~/.config/ringsync/auth.json (0600 perms).
func SaveAuth(creds *AuthCredentials) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "auth.json"), data, 0600)
}

// GetServerURL returns the backend URL.
// Priority: RINGSYNC_SERVER_URL env > config.json > default.
func GetServerURL() string {
	if v := os.Getenv("RINGSYNC_SERVER_URL"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.ServerURL != "" {
		return cfg.ServerURL
	}
	return defaultServerURL
}

// GetLicenseKey returns the license key scoping this client's data.
// Priority: RINGSYNC_LICENSE_KEY env > config.json.
func GetLicenseKey() string {
	if v := os.Getenv("RINGSYNC_LICENSE_KEY"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil {
		return cfg.LicenseKey
	}
	return ""
}

// GetAPIKey returns the API key.
// Priority: RINGSYNC_API_KEY env > auth.json.
func GetAPIKey() string {
	if v := os.Getenv("RINGSYNC_API_KEY"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.APIKey
	}
	return ""
}

// DatabasePath returns the local store path, defaulting to
// ~/.config/ringsync/cache.db.
func DatabasePath() (string, error) {
	cfg, err := LoadConfig()
	if err == nil && cfg.DatabasePath != "" {
		return cfg.DatabasePath, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache.db"), nil
}

// AutoDrainEnabled reports whether writes trigger a background drain.
// Priority: RINGSYNC_AUTO_DRAIN env > config.json > default true.
func AutoDrainEnabled() bool {
	if v := strings.ToLower(os.Getenv("RINGSYNC_AUTO_DRAIN")); v != "" {
		return v == "1" || v == "true"
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.AutoDrain != nil {
		return *cfg.AutoDrain
	}
	return true
}

// GetDeviceID returns the device ID from auth.json, generating and saving
// one if needed.
func GetDeviceID() (string, error) {
	creds, err := LoadAuth()
	if err != nil {
		return "", err
	}
	if creds != nil && creds.DeviceID != "" {
		return creds.DeviceID, nil
	}
	id, err := GenerateDeviceID()
	if err != nil {
		return "", err
	}
	if creds == nil {
		creds = &AuthCredentials{}
	}
	creds.DeviceID = id
	if err := SaveAuth(creds); err != nil {
		return "", err
	}
	return id, nil
}

// GenerateDeviceID creates a new random device ID (16 bytes hex).
func GenerateDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
