// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/tasksync/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete tasksync configuration.
type Config struct {
	// General settings
	Version string `toml:"version" json:"version"`

	// User is the local actor identity
	User UserConfig `toml:"user" json:"user"`

	// Backend connection configuration
	Backend BackendConfig `toml:"backend" json:"backend"`

	// Feed reconnection configuration
	Feed FeedConfig `toml:"feed" json:"feed"`

	// Presence timing configuration
	Presence PresenceConfig `toml:"presence" json:"presence"`

	// Snapshot persistence configuration
	Snapshot SnapshotConfig `toml:"snapshot" json:"snapshot"`
}

// UserConfig identifies the local user.
type UserConfig struct {
	// ID is the stable user identifier sent with every mutation
	ID string `toml:"id" json:"id"`
	// Name is the display name
	Name string `toml:"name" json:"name"`
	// Role is the user's role: "member" or "admin"
	Role string `toml:"role" json:"role"`
}

// BackendConfig contains backend API configuration.
type BackendConfig struct {
	// BaseURL is the backend API base URL
	BaseURL string `toml:"base_url" json:"base_url"`
	// APIKey is the bearer token for the backend API
	APIKey string `toml:"api_key" json:"api_key"`
	// MaxRetries is the retry budget for transient request failures
	MaxRetries int `toml:"max_retries" json:"max_retries"`
}

// FeedConfig contains change-feed reconnection configuration.
type FeedConfig struct {
	// ReconnectBaseMS is the initial reconnect backoff in milliseconds
	ReconnectBaseMS int `toml:"reconnect_base_ms" json:"reconnect_base_ms"`
	// ReconnectMaxSecs caps the reconnect backoff in seconds
	ReconnectMaxSecs int `toml:"reconnect_max_secs" json:"reconnect_max_secs"`
}

// PresenceConfig contains presence timing configuration.
type PresenceConfig struct {
	// HeartbeatSecs is the interval between presence renewals
	HeartbeatSecs int `toml:"heartbeat_secs" json:"heartbeat_secs"`
	// TypingHoldSecs is how long a typing pulse stays alive
	TypingHoldSecs int `toml:"typing_hold_secs" json:"typing_hold_secs"`
	// StaleWindowMins is the age past which presence records are ignored
	StaleWindowMins int `toml:"stale_window_mins" json:"stale_window_mins"`
}

// SnapshotConfig contains local snapshot persistence configuration.
type SnapshotConfig struct {
	// Enabled controls whether session state is persisted between runs
	Enabled bool `toml:"enabled" json:"enabled"`
	// Path is the snapshot database path (empty = ~/.tasksync/snapshot.db)
	Path string `toml:"path" json:"path"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		User: UserConfig{
			Role: "member",
		},

		Backend: BackendConfig{
			BaseURL:    "",
			APIKey:     "",
			MaxRetries: 3,
		},

		Feed: FeedConfig{
			ReconnectBaseMS:  500,
			ReconnectMaxSecs: 30,
		},

		Presence: PresenceConfig{
			HeartbeatSecs:   30,
			TypingHoldSecs:  3,
			StaleWindowMins: 5,
		},

		Snapshot: SnapshotConfig{
			Enabled: true,
			Path:    "",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the tasksync configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".tasksync"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only) to protect API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}

	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()
	var loadErr error

	// Try TOML first
	tomlPath, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			if err := LoadTOML(cfg, tomlPath); err != nil {
				loadErr = fmt.Errorf("failed to load TOML config: %w", err)
			} else {
				return finalize(cfg)
			}
		}
	}

	// Try JSON as fallback
	jsonPath, err := ConfigPathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			if err := LoadJSON(cfg, jsonPath); err != nil {
				loadErr = fmt.Errorf("failed to load JSON config: %w", err)
			} else {
				return finalize(cfg)
			}
		}
	}

	cfg, err = finalize(cfg)
	if err != nil {
		return nil, err
	}

	// Return defaults (with any load error for informational purposes)
	return cfg, loadErr
}

// finalize applies env overrides, defaults, and validation.
func finalize(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file.
// SECURITY: Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON loads configuration from a JSON file.
// SECURITY: Checks and fixes file permissions on load.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// LoadFromPath loads configuration from a specific file path with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		// Default to TOML
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	return finalize(cfg)
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Creates config files with 0600 permissions (owner read/write only).
// RELIABILITY: Atomic write with fsync so a crash mid-save never leaves a
// truncated config for the watcher to reload.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# tasksync configuration file")
	fmt.Fprintln(&buf, "# Generated by tasksync - edit with care")
	fmt.Fprintln(&buf, "")

	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// SaveJSON saves the configuration to a JSON file.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	// Validate user role
	validRoles := map[string]bool{"member": true, "admin": true}
	if !validRoles[strings.ToLower(c.User.Role)] {
		errs = append(errs, ValidationError{
			Field:   "user.role",
			Message: fmt.Sprintf("invalid role '%s', must be one of: member, admin", c.User.Role),
		})
	}

	// Validate backend URL
	if c.Backend.BaseURL != "" {
		u, err := url.Parse(c.Backend.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, ValidationError{
				Field:   "backend.base_url",
				Message: fmt.Sprintf("invalid URL '%s'", c.Backend.BaseURL),
			})
		}
	}

	if c.Backend.MaxRetries < 0 || c.Backend.MaxRetries > 10 {
		errs = append(errs, ValidationError{
			Field:   "backend.max_retries",
			Message: fmt.Sprintf("max_retries must be 0-10, got %d", c.Backend.MaxRetries),
		})
	}

	// Validate feed backoff window
	if c.Feed.ReconnectBaseMS < 1 {
		errs = append(errs, ValidationError{
			Field:   "feed.reconnect_base_ms",
			Message: "must be at least 1",
		})
	}
	if c.Feed.ReconnectMaxSecs < 1 || c.Feed.ReconnectMaxSecs > 300 {
		errs = append(errs, ValidationError{
			Field:   "feed.reconnect_max_secs",
			Message: fmt.Sprintf("must be 1-300, got %d", c.Feed.ReconnectMaxSecs),
		})
	}

	// Validate presence timings
	if c.Presence.HeartbeatSecs < 1 || c.Presence.HeartbeatSecs > 300 {
		errs = append(errs, ValidationError{
			Field:   "presence.heartbeat_secs",
			Message: fmt.Sprintf("must be 1-300, got %d", c.Presence.HeartbeatSecs),
		})
	}
	if c.Presence.TypingHoldSecs < 1 || c.Presence.TypingHoldSecs > 60 {
		errs = append(errs, ValidationError{
			Field:   "presence.typing_hold_secs",
			Message: fmt.Sprintf("must be 1-60, got %d", c.Presence.TypingHoldSecs),
		})
	}
	if c.Presence.StaleWindowMins < 1 || c.Presence.StaleWindowMins > 60 {
		errs = append(errs, ValidationError{
			Field:   "presence.stale_window_mins",
			Message: fmt.Sprintf("must be 1-60, got %d", c.Presence.StaleWindowMins),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults sets default values for any missing or zero-value
// configuration fields.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.User.Role == "" {
		c.User.Role = defaults.User.Role
	}
	if c.Backend.MaxRetries == 0 {
		c.Backend.MaxRetries = defaults.Backend.MaxRetries
	}
	if c.Feed.ReconnectBaseMS == 0 {
		c.Feed.ReconnectBaseMS = defaults.Feed.ReconnectBaseMS
	}
	if c.Feed.ReconnectMaxSecs == 0 {
		c.Feed.ReconnectMaxSecs = defaults.Feed.ReconnectMaxSecs
	}
	if c.Presence.HeartbeatSecs == 0 {
		c.Presence.HeartbeatSecs = defaults.Presence.HeartbeatSecs
	}
	if c.Presence.TypingHoldSecs == 0 {
		c.Presence.TypingHoldSecs = defaults.Presence.TypingHoldSecs
	}
	if c.Presence.StaleWindowMins == 0 {
		c.Presence.StaleWindowMins = defaults.Presence.StaleWindowMins
	}
	if c.Snapshot.Path == "" {
		if dir, err := ConfigDir(); err == nil {
			c.Snapshot.Path = filepath.Join(dir, "snapshot.db")
		}
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - TASKSYNC_BASE_URL: overrides backend.base_url
//   - TASKSYNC_API_KEY: overrides backend.api_key
//   - TASKSYNC_USER_ID: overrides user.id
//   - TASKSYNC_USER_NAME: overrides user.name
//   - TASKSYNC_USER_ROLE: overrides user.role
//   - TASKSYNC_MAX_RETRIES: overrides backend.max_retries
//   - TASKSYNC_SNAPSHOT: set to "0" or "false" to disable snapshots
//   - TASKSYNC_SNAPSHOT_PATH: overrides snapshot.path
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TASKSYNC_BASE_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("TASKSYNC_API_KEY"); v != "" {
		c.Backend.APIKey = v
	}
	if v := os.Getenv("TASKSYNC_USER_ID"); v != "" {
		c.User.ID = v
	}
	if v := os.Getenv("TASKSYNC_USER_NAME"); v != "" {
		c.User.Name = v
	}
	if v := os.Getenv("TASKSYNC_USER_ROLE"); v != "" {
		c.User.Role = v
	}
	if v := os.Getenv("TASKSYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Backend.MaxRetries = n
		}
	}
	if v := os.Getenv("TASKSYNC_SNAPSHOT"); v != "" {
		c.Snapshot.Enabled = v != "0" && strings.ToLower(v) != "false"
	}
	if v := os.Getenv("TASKSYNC_SNAPSHOT_PATH"); v != "" {
		c.Snapshot.Path = v
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	return &out
}

// String returns a redacted string representation safe for logging.
func (c *Config) String() string {
	key := c.Backend.APIKey
	if len(key) > 4 {
		key = key[:4] + "..." + "(redacted)"
	} else if key != "" {
		key = "(redacted)"
	}
	return fmt.Sprintf("Config{user=%s backend=%s key=%s snapshot=%v}",
		c.User.ID, c.Backend.BaseURL, key, c.Snapshot.Enabled)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			// Log but don't fail - use defaults
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
		}
		globalConfig = cfg
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the global configuration from disk. Thread-safe.
func ReloadGlobal() error {
	cfg, err := Load()
	if err != nil {
		return err
	}
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
	return nil
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
// This should only be used in tests to reset state between test runs.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
