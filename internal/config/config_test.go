// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Remote.BaseURL != "http://127.0.0.1:8080" {
		t.Errorf("unexpected default base URL: %s", cfg.Remote.BaseURL)
	}
	if cfg.Session.FlushDebounceMs != 1000 {
		t.Errorf("unexpected default flush debounce: %d", cfg.Session.FlushDebounceMs)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestLoadFromPath_FillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
data_dir = "/tmp/hgpt"

[remote]
base_url = "http://gpu-box:9000"

[session]
default_determinism = 80
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Remote.BaseURL != "http://gpu-box:9000" {
		t.Errorf("base URL not loaded: %s", cfg.Remote.BaseURL)
	}
	if cfg.Remote.StreamPath != "/stream/chat" {
		t.Errorf("missing stream path not defaulted: %s", cfg.Remote.StreamPath)
	}
	if cfg.Session.DefaultDeterminism != 80 {
		t.Errorf("determinism not loaded: %d", cfg.Session.DefaultDeterminism)
	}
	if cfg.Session.DefaultModel != "llama3" {
		t.Errorf("missing model not defaulted: %s", cfg.Session.DefaultModel)
	}
	if cfg.DataDir != "/tmp/hgpt" {
		t.Errorf("data dir not loaded: %s", cfg.DataDir)
	}
}

func TestLoadFromPath_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad url", "[remote]\nbase_url = \"not a url\"\n"},
		{"determinism out of range", "[session]\ndefault_determinism = 150\n"},
		{"negative debounce", "[session]\nflush_debounce_ms = -5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFromPath(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("HOMELAB_GPT_BASE_URL", "http://override:8081")
	t.Setenv("HOMELAB_GPT_CREDENTIAL", "secret")
	t.Setenv("HOMELAB_GPT_MODEL", "mixtral")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	if cfg.Remote.BaseURL != "http://override:8081" {
		t.Errorf("base URL override not applied: %s", cfg.Remote.BaseURL)
	}
	if cfg.Remote.Credential != "secret" {
		t.Errorf("credential override not applied")
	}
	if cfg.Session.DefaultModel != "mixtral" {
		t.Errorf("model override not applied: %s", cfg.Session.DefaultModel)
	}
}

func TestSaveTo_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.Remote.BaseURL = "http://saved:7000"
	cfg.Session.DefaultMaxTokens = 2048
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config file must be 0600, got %o", perm)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if loaded.Remote.BaseURL != "http://saved:7000" {
		t.Errorf("base URL did not round-trip: %s", loaded.Remote.BaseURL)
	}
	if loaded.Session.DefaultMaxTokens != 2048 {
		t.Errorf("max tokens did not round-trip: %d", loaded.Session.DefaultMaxTokens)
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := Default().SaveTo(path); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	defer close(stop)

	reloaded := make(chan *Config, 1)
	if err := Watch(path, stop, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	updated := Default()
	updated.Session.DefaultModel = "mixtral"
	if err := updated.SaveTo(path); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Session.DefaultModel != "mixtral" {
			t.Errorf("reloaded config stale: %s", cfg.Session.DefaultModel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("config change never observed")
	}
}

func TestConvertedDurations(t *testing.T) {
	cfg := Default()
	cfg.Session.FlushDebounceMs = 250
	if got := cfg.FlushDebounce(); got != 250*time.Millisecond {
		t.Errorf("FlushDebounce = %v", got)
	}

	rc := cfg.RemoteClientConfig()
	if rc.Timeout != 30*time.Second {
		t.Errorf("remote timeout = %v", rc.Timeout)
	}
	if rc.BaseURL != cfg.Remote.BaseURL {
		t.Errorf("base URL not carried over")
	}
}
