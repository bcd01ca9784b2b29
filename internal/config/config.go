// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for
// homelab-gpt.
//
// Configuration sources, in order of precedence:
//   - HOMELAB_GPT_* environment variables (plus .env via godotenv)
//   - ~/.homelab-gpt/config.toml
//   - Built-in defaults
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"

	"github.com/wgj/homelab-gpt/internal/remote"
	"github.com/wgj/homelab-gpt/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete homelab-gpt configuration.
type Config struct {
	// DataDir is where the local conversation cache lives
	// (empty = ~/.homelab-gpt/data)
	DataDir string `toml:"data_dir"`

	// Remote store configuration
	Remote RemoteConfig `toml:"remote"`

	// Session defaults for new conversations
	Session SessionConfig `toml:"session"`
}

// RemoteConfig contains the remote conversation store configuration.
type RemoteConfig struct {
	// BaseURL is the URL of the remote store
	BaseURL string `toml:"base_url"`
	// StreamPath is the path of the streaming completion endpoint
	StreamPath string `toml:"stream_path"`
	// TimeoutSecs is the timeout for non-streaming requests in seconds
	TimeoutSecs int `toml:"timeout_secs"`
	// PushesPerSecond bounds how often conversation upserts hit the store
	PushesPerSecond float64 `toml:"pushes_per_second"`
	// Credential is the bearer value sent with generation requests when the
	// conversation settings carry none
	Credential string `toml:"credential"`
}

// SessionConfig contains session behaviour and new-conversation defaults.
type SessionConfig struct {
	// FlushDebounceMs is the persistence flush window in milliseconds
	FlushDebounceMs int `toml:"flush_debounce_ms"`
	// DefaultModel is the model ID preselected for new conversations
	DefaultModel string `toml:"default_model"`
	// DefaultMaxTokens caps completion length for new conversations
	// (0 = server decides)
	DefaultMaxTokens int `toml:"default_max_tokens"`
	// DefaultDeterminism is the 0-100 determinism slider default for new
	// conversations (100 = fully deterministic)
	DefaultDeterminism int `toml:"default_determinism"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Remote: RemoteConfig{
			BaseURL:         "http://127.0.0.1:8080",
			StreamPath:      "/stream/chat",
			TimeoutSecs:     30,
			PushesPerSecond: 2,
		},
		Session: SessionConfig{
			FlushDebounceMs:    1000,
			DefaultModel:       "llama3",
			DefaultMaxTokens:   0,
			DefaultDeterminism: 50,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// Dir returns the homelab-gpt configuration directory path.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".homelab-gpt"), nil
}

// Path returns the path to the TOML config file.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOAD
// =============================================================================

// Load loads configuration from the config file, falling back to defaults,
// then applies environment overrides and validates the result.
func Load() (*Config, error) {
	// A .env next to the binary is a convenience for development setups;
	// absence is not an error.
	_ = godotenv.Load()

	path, err := Path()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		cfg := Default()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific TOML file with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	cfg.fillDefaults()
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills in any missing values with defaults.
func (c *Config) fillDefaults() {
	defaults := Default()

	if c.Remote.BaseURL == "" {
		c.Remote.BaseURL = defaults.Remote.BaseURL
	}
	if c.Remote.StreamPath == "" {
		c.Remote.StreamPath = defaults.Remote.StreamPath
	}
	if c.Remote.TimeoutSecs == 0 {
		c.Remote.TimeoutSecs = defaults.Remote.TimeoutSecs
	}
	if c.Remote.PushesPerSecond == 0 {
		c.Remote.PushesPerSecond = defaults.Remote.PushesPerSecond
	}
	if c.Session.FlushDebounceMs == 0 {
		c.Session.FlushDebounceMs = defaults.Session.FlushDebounceMs
	}
	if c.Session.DefaultModel == "" {
		c.Session.DefaultModel = defaults.Session.DefaultModel
	}
	if c.Session.DefaultDeterminism == 0 {
		c.Session.DefaultDeterminism = defaults.Session.DefaultDeterminism
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies HOMELAB_GPT_* environment variables on top of
// the loaded configuration.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("HOMELAB_GPT_BASE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv("HOMELAB_GPT_CREDENTIAL"); v != "" {
		c.Remote.Credential = v
	}
	if v := os.Getenv("HOMELAB_GPT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("HOMELAB_GPT_MODEL"); v != "" {
		c.Session.DefaultModel = v
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("remote.base_url %q is not a valid URL", c.Remote.BaseURL)
	}
	if c.Remote.TimeoutSecs < 0 {
		return fmt.Errorf("remote.timeout_secs must not be negative, got %d", c.Remote.TimeoutSecs)
	}
	if c.Remote.PushesPerSecond < 0 {
		return fmt.Errorf("remote.pushes_per_second must not be negative, got %g", c.Remote.PushesPerSecond)
	}
	if c.Session.FlushDebounceMs < 0 {
		return fmt.Errorf("session.flush_debounce_ms must not be negative, got %d", c.Session.FlushDebounceMs)
	}
	if c.Session.DefaultDeterminism < 0 || c.Session.DefaultDeterminism > 100 {
		return fmt.Errorf("session.default_determinism must be in 0-100, got %d", c.Session.DefaultDeterminism)
	}
	if c.Session.DefaultMaxTokens < 0 {
		return fmt.Errorf("session.default_max_tokens must not be negative, got %d", c.Session.DefaultMaxTokens)
	}
	return nil
}

// =============================================================================
// SAVE
// =============================================================================

// Save writes the configuration to the default config file path.
// SECURITY: Config files are written 0600 since the credential lives there.
func (c *Config) Save() error {
	path, err := Path()
	if err != nil {
		return err
	}
	return c.SaveTo(path)
}

// SaveTo writes the configuration to the given path atomically.
func (c *Config) SaveTo(path string) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0600)
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// RemoteClientConfig translates the remote section into a client config.
func (c *Config) RemoteClientConfig() *remote.ClientConfig {
	return &remote.ClientConfig{
		BaseURL:         c.Remote.BaseURL,
		StreamPath:      c.Remote.StreamPath,
		Timeout:         time.Duration(c.Remote.TimeoutSecs) * time.Second,
		PushesPerSecond: c.Remote.PushesPerSecond,
	}
}

// FlushDebounce returns the persistence flush window as a duration.
func (c *Config) FlushDebounce() time.Duration {
	return time.Duration(c.Session.FlushDebounceMs) * time.Millisecond
}

// ResolveDataDir returns the cache database directory, creating it when
// missing.
func (c *Config) ResolveDataDir() (string, error) {
	dir := c.DataDir
	if dir == "" {
		base, err := Dir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(base, "data")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}

// =============================================================================
// WATCH
// =============================================================================

// Watch reloads the config file whenever it changes on disk and hands the
// fresh config to onChange. Invalid intermediate states (editors often write
// in two steps) are skipped silently. The watcher stops when stop is closed.
func Watch(path string, stop <-chan struct{}, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	// Watch the directory, not the file: atomic saves replace the inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				cfg, err := LoadFromPath(path)
				if err != nil {
					continue
				}
				onChange(cfg)
			case <-watcher.Errors:
			case <-stop:
				return
			}
		}
	}()
	return nil
}
