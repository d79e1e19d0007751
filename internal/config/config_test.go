package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Storage.DataDir == "" {
		t.Fatal("expected non-empty data dir")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	if cfg.Cache.MaxEntries != 1000 {
		t.Errorf("expected 1000 cache entries, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.Migration.CheckpointEvery != 10 {
		t.Errorf("expected checkpoint cadence 10, got %d", cfg.Migration.CheckpointEvery)
	}
	if cfg.BackupDir() != filepath.Join(cfg.Storage.DataDir, "backups") {
		t.Errorf("unexpected backup dir %s", cfg.BackupDir())
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }},
		{"zero cache entries", func(c *Config) { c.Cache.MaxEntries = 0 }},
		{"zero cache bytes", func(c *Config) { c.Cache.MaxBytes = 0 }},
		{"zero checkpoint cadence", func(c *Config) { c.Migration.CheckpointEvery = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Storage.DataDir = dir
	cfg.Cache.MaxEntries = 42
	cfg.Cache.DefaultTTL = 5 * time.Minute
	cfg.Migration.LegacyRoot = filepath.Join(dir, "old-data")
	cfg.Migration.IgnorePatterns = []string{"*.bak"}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Cache.MaxEntries != 42 {
		t.Errorf("expected 42 cache entries, got %d", loaded.Cache.MaxEntries)
	}
	if loaded.Migration.LegacyRoot != cfg.Migration.LegacyRoot {
		t.Errorf("legacy root not round-tripped: %s", loaded.Migration.LegacyRoot)
	}
	if len(loaded.Migration.IgnorePatterns) != 1 || loaded.Migration.IgnorePatterns[0] != "*.bak" {
		t.Errorf("ignore patterns not round-tripped: %v", loaded.Migration.IgnorePatterns)
	}
}

func TestLoadMissingExplicitPath(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing explicit config path")
	}
}

func TestEnvOverridesWithoutFile(t *testing.T) {
	home := t.TempDir()
	dataDir := filepath.Join(home, "elsewhere")
	t.Setenv("HOME", home)
	t.Setenv("CONTEXTCORE_STORAGE_DATA_DIR", dataDir)
	t.Setenv("CONTEXTCORE_CACHE_MAX_ENTRIES", "77")
	t.Setenv("CONTEXTCORE_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.DataDir != dataDir {
		t.Errorf("data dir override ignored: %s", cfg.Storage.DataDir)
	}
	if cfg.Cache.MaxEntries != 77 {
		t.Errorf("cache.max_entries override ignored: %d", cfg.Cache.MaxEntries)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level override ignored: %s", cfg.Logging.Level)
	}
}

func TestLoadMissingDefaultUsesDefaults(t *testing.T) {
	// With no config file anywhere, Load falls back to defaults entirely.
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Cache.MaxEntries != 1000 {
		t.Errorf("expected default cache entries, got %d", cfg.Cache.MaxEntries)
	}
	if cfg.Storage.DataDir != filepath.Join(home, ".contextcore") {
		t.Errorf("expected data dir under test home, got %s", cfg.Storage.DataDir)
	}
}
