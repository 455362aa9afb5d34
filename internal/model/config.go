package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// ProviderConfig holds the connection settings for the identity and
// storage provider.
type ProviderConfig struct {
	// BaseURL is the root URL of the provider API.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// AppID is the application identity presented during the handshake.
	AppID string `mapstructure:"app_id" yaml:"app_id"`

	// ReturnTarget is where the identity provider redirects after the
	// handshake. The handshake refuses to start without it.
	ReturnTarget string `mapstructure:"return_target" yaml:"return_target"`
}

// DriveConfig declares one drive the application synchronizes.
type DriveConfig struct {
	Alias string `mapstructure:"alias" yaml:"alias"`
	Type  string `mapstructure:"type" yaml:"type"`
}

// Drive converts the config entry to its model form.
func (d DriveConfig) Drive() Drive {
	return Drive{Alias: d.Alias, Type: d.Type}
}

// SyncConfig holds reconciliation tuning.
type SyncConfig struct {
	// BatchSize caps how many backlog items are requested per drain
	// round trip.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// PollInterval is how often the polling fallback drains each drive
	// when the push channel is unavailable.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// LogConfig holds logging preferences.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Provider ProviderConfig `mapstructure:"provider" yaml:"provider"`
	Drives   []DriveConfig  `mapstructure:"drives" yaml:"drives"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// DefaultConfigPath returns the default path for the configuration
// file, located at ~/.config/courier/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "courier", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Sync: SyncConfig{BatchSize: 50, PollInterval: 2 * time.Minute},
		Log:  LogConfig{Level: "info"},
	}
}

// LoadConfig reads configuration from the given YAML file path using
// Viper. If the file does not exist, it returns a default
// configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("sync.batch_size", 50)
	v.SetDefault("sync.poll_interval", 2*time.Minute)
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Sync.BatchSize <= 0 {
		cfg.Sync.BatchSize = 50
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("provider", cfg.Provider)
	v.Set("drives", cfg.Drives)
	v.Set("sync", cfg.Sync)
	v.Set("log", cfg.Log)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
