// SPDX-License-Identifier: AGPL-3.0-only
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config holds all configuration for the autosave service.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Autosave AutosaveConfig `toml:"autosave"`
	Storage  StorageConfig  `toml:"storage"`
	Logging  LoggingConfig  `toml:"logging"`
}

// ServerConfig holds control-server settings.
type ServerConfig struct {
	Name          string `toml:"name"`
	Version       string `toml:"version"`
	Address       string `toml:"address"`
	Port          int    `toml:"port"`
	TransportMode string `toml:"transport"` // sse or stdio
}

// AutosaveConfig holds the autosave scheduling and retry policy.
// All fields are hot-swappable through Overrides while the service runs.
type AutosaveConfig struct {
	Enabled                bool     `toml:"enabled"`
	SaveInterval           Duration `toml:"save_interval"`
	DebounceDelay          Duration `toml:"debounce_delay"`
	MinSaveInterval        Duration `toml:"min_save_interval"`
	MaxRetries             int      `toml:"max_retries"`
	InitialRetryDelay      Duration `toml:"initial_retry_delay"`
	// RetryDelayMultiplier is reserved; the retry schedule is linear in the
	// consecutive failure count and does not consult it.
	RetryDelayMultiplier   float64  `toml:"retry_delay_multiplier"`
	RetryCooldown          Duration `toml:"retry_cooldown"`
	PermissionPollInterval Duration `toml:"permission_poll_interval"`
	SaveOnVisibilityChange bool     `toml:"save_on_visibility_change"`
	SaveOnUnload           bool     `toml:"save_on_unload"`
}

// StorageConfig holds persistence surface settings.
type StorageConfig struct {
	// FileName is the JSON document written into the granted directory.
	FileName string `toml:"file_name"`
	// KVPath is the embedded store holding the capability handle slot and
	// last-save marker.
	KVPath string `toml:"kv_path"`
	// ChannelPath is the well-known broadcast channel file for cross-context
	// notifications.
	ChannelPath string `toml:"channel_path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `toml:"level"`
	FilePath string `toml:"file_path"`
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:          "nightingale-autosave",
			Version:       "dev",
			Address:       "localhost",
			Port:          8090,
			TransportMode: "stdio",
		},
		Autosave: AutosaveConfig{
			Enabled:                true,
			SaveInterval:           Duration(2 * time.Minute),
			DebounceDelay:          Duration(5 * time.Second),
			MinSaveInterval:        Duration(10 * time.Second),
			MaxRetries:             3,
			InitialRetryDelay:      Duration(5 * time.Second),
			RetryDelayMultiplier:   2.0,
			RetryCooldown:          Duration(5 * time.Minute),
			PermissionPollInterval: Duration(30 * time.Second),
			SaveOnVisibilityChange: true,
			SaveOnUnload:           true,
		},
		Storage: StorageConfig{
			FileName: "nightingale-data.json",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFile merges a TOML config file into cfg. A missing file is not an error.
func LoadFile(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load config file %s: %w", path, err)
	}
	return nil
}

// FromEnv applies environment variable overrides to cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("AUTOSAVE_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("AUTOSAVE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("AUTOSAVE_TRANSPORT"); v != "" {
		cfg.Server.TransportMode = v
	}
	if v := os.Getenv("AUTOSAVE_SAVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Autosave.SaveInterval = Duration(d)
		}
	}
	if v := os.Getenv("AUTOSAVE_DEBOUNCE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Autosave.DebounceDelay = Duration(d)
		}
	}
	if v := os.Getenv("AUTOSAVE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Autosave.MaxRetries = n
		}
	}
	if v := os.Getenv("AUTOSAVE_FILE_NAME"); v != "" {
		cfg.Storage.FileName = v
	}
	if v := os.Getenv("AUTOSAVE_KV_PATH"); v != "" {
		cfg.Storage.KVPath = v
	}
	if v := os.Getenv("AUTOSAVE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	a := &c.Autosave
	if a.SaveInterval <= 0 {
		return fmt.Errorf("autosave.save_interval must be positive, got %s", a.SaveInterval)
	}
	if a.DebounceDelay <= 0 {
		return fmt.Errorf("autosave.debounce_delay must be positive, got %s", a.DebounceDelay)
	}
	if a.MinSaveInterval < 0 {
		return fmt.Errorf("autosave.min_save_interval must not be negative, got %s", a.MinSaveInterval)
	}
	if a.MaxRetries < 0 {
		return fmt.Errorf("autosave.max_retries must not be negative, got %d", a.MaxRetries)
	}
	if a.InitialRetryDelay <= 0 {
		return fmt.Errorf("autosave.initial_retry_delay must be positive, got %s", a.InitialRetryDelay)
	}
	if a.RetryDelayMultiplier < 1 {
		return fmt.Errorf("autosave.retry_delay_multiplier must be >= 1, got %g", a.RetryDelayMultiplier)
	}
	if a.PermissionPollInterval <= 0 {
		return fmt.Errorf("autosave.permission_poll_interval must be positive, got %s", a.PermissionPollInterval)
	}
	if c.Storage.FileName == "" {
		return fmt.Errorf("storage.file_name must be set")
	}
	switch c.Server.TransportMode {
	case "sse", "stdio":
	default:
		return fmt.Errorf("server.transport must be sse or stdio, got %q", c.Server.TransportMode)
	}
	return nil
}

// Overrides carries the hot-swappable autosave settings for UpdateConfig.
// Nil fields leave the current value untouched.
type Overrides struct {
	Enabled                *bool
	SaveInterval           *time.Duration
	DebounceDelay          *time.Duration
	MinSaveInterval        *time.Duration
	MaxRetries             *int
	InitialRetryDelay      *time.Duration
	RetryDelayMultiplier   *float64
	SaveOnVisibilityChange *bool
	SaveOnUnload           *bool
}

// Apply merges the overrides into a and reports whether the periodic save
// cadence changed, which requires the caller to restart its interval timer.
func (o Overrides) Apply(a *AutosaveConfig) (intervalChanged bool) {
	if o.Enabled != nil {
		a.Enabled = *o.Enabled
	}
	if o.SaveInterval != nil && *o.SaveInterval != a.SaveInterval.Duration() {
		a.SaveInterval = Duration(*o.SaveInterval)
		intervalChanged = true
	}
	if o.DebounceDelay != nil {
		a.DebounceDelay = Duration(*o.DebounceDelay)
	}
	if o.MinSaveInterval != nil {
		a.MinSaveInterval = Duration(*o.MinSaveInterval)
	}
	if o.MaxRetries != nil {
		a.MaxRetries = *o.MaxRetries
	}
	if o.InitialRetryDelay != nil {
		a.InitialRetryDelay = Duration(*o.InitialRetryDelay)
	}
	if o.RetryDelayMultiplier != nil {
		a.RetryDelayMultiplier = *o.RetryDelayMultiplier
	}
	if o.SaveOnVisibilityChange != nil {
		a.SaveOnVisibilityChange = *o.SaveOnVisibilityChange
	}
	if o.SaveOnUnload != nil {
		a.SaveOnUnload = *o.SaveOnUnload
	}
	return intervalChanged
}
