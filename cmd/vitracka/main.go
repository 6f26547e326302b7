package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.vitracka/config.toml.
// Environment variables override file values.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Offline ConfigOffline `toml:"offline"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	Token   string `toml:"token" envconfig:"VITRACKA_TOKEN"`
	BaseURL string `toml:"base_url" envconfig:"VITRACKA_BASE_URL"`
	UserID  string `toml:"user_id" envconfig:"VITRACKA_USER_ID"`
}

// ConfigOffline holds durable-storage settings for the offline queue and
// cache snapshots.
type ConfigOffline struct {
	Dir string `toml:"dir" envconfig:"VITRACKA_OFFLINE_DIR"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.vitracka, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".vitracka")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file, then applies environment
// overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("cannot read config: %w", err)
		}
	} else if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("cannot apply environment overrides: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "token":
			cfg.Default.Token = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "user_id":
			cfg.Default.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "offline":
		switch field {
		case "dir":
			cfg.Offline.Dir = value
		default:
			return fmt.Errorf("unknown field %q in section [offline]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, offline)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "vitracka",
	Short: "Vitracka agent dispatch CLI",
	Long:  "Command-line interface for the Vitracka agent service.\nManage configuration, talk to the coaching agents, and sync queued writes.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
