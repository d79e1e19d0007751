// Package config loads and persists the engine configuration. It is read
// from <dataDir>/config.yaml and can be overridden by CONTEXTCORE_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all engine configuration.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Migration MigrationConfig `mapstructure:"migration" yaml:"migration"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// StorageConfig locates the two storage backends.
type StorageConfig struct {
	// DataDir is the root for the content tree, the index database, and
	// migration artifacts.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// SyncOnStart runs syncStorages during engine startup.
	SyncOnStart bool `mapstructure:"sync_on_start" yaml:"sync_on_start"`
}

// CacheConfig bounds the context cache.
type CacheConfig struct {
	MaxEntries           int           `mapstructure:"max_entries" yaml:"max_entries"`
	MaxBytes             int64         `mapstructure:"max_bytes" yaml:"max_bytes"`
	CompressionThreshold int           `mapstructure:"compression_threshold" yaml:"compression_threshold"`
	DefaultTTL           time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	RecompressInterval   time.Duration `mapstructure:"recompress_interval" yaml:"recompress_interval"`
	TargetHitRate        float64       `mapstructure:"target_hit_rate" yaml:"target_hit_rate"`
	TargetP95LatencyMs   float64       `mapstructure:"target_p95_latency_ms" yaml:"target_p95_latency_ms"`
}

// MigrationConfig controls the legacy import pipeline.
type MigrationConfig struct {
	// LegacyRoot is the fixed directory holding the legacy flat files.
	LegacyRoot string `mapstructure:"legacy_root" yaml:"legacy_root"`
	// BackupEnabled copies every legacy file before migrating.
	BackupEnabled bool `mapstructure:"backup_enabled" yaml:"backup_enabled"`
	// CheckpointEvery snapshots pipeline state every N persisted records.
	CheckpointEvery int `mapstructure:"checkpoint_every" yaml:"checkpoint_every"`
	// IgnorePatterns are glob patterns excluded from discovery.
	IgnorePatterns []string `mapstructure:"ignore_patterns" yaml:"ignore_patterns"`
	// MaxContentBytes is the content compaction ceiling (0 disables).
	MaxContentBytes int `mapstructure:"max_content_bytes" yaml:"max_content_bytes"`
}

// LoggingConfig controls zerolog output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
	// Console enables human-readable output instead of JSON.
	Console bool `mapstructure:"console" yaml:"console"`
	// File is an optional path for persistent logs.
	File string `mapstructure:"file" yaml:"file"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".contextcore")
	return &Config{
		Storage: StorageConfig{
			DataDir:     dataDir,
			SyncOnStart: true,
		},
		Cache: CacheConfig{
			MaxEntries:           1000,
			MaxBytes:             64 << 20,
			CompressionThreshold: 4096,
			DefaultTTL:           30 * time.Minute,
			SweepInterval:        time.Minute,
			RecompressInterval:   5 * time.Minute,
			TargetHitRate:        0.70,
			TargetP95LatencyMs:   10,
		},
		Migration: MigrationConfig{
			LegacyRoot:      filepath.Join(dataDir, "legacy"),
			BackupEnabled:   true,
			CheckpointEvery: 10,
			MaxContentBytes: 256 << 10,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Load reads configuration from path (or <dataDir>/config.yaml when empty),
// layering defaults under file values and environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CONTEXTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(cfg.Storage.DataDir)
	}

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		// no config file in the data dir; defaults apply
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// registerDefaults declares every config key to viper. AutomaticEnv only
// resolves keys viper knows about, so without this CONTEXTCORE_* overrides
// would be ignored whenever no config file exists.
func registerDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.sync_on_start", cfg.Storage.SyncOnStart)
	v.SetDefault("cache.max_entries", cfg.Cache.MaxEntries)
	v.SetDefault("cache.max_bytes", cfg.Cache.MaxBytes)
	v.SetDefault("cache.compression_threshold", cfg.Cache.CompressionThreshold)
	v.SetDefault("cache.default_ttl", cfg.Cache.DefaultTTL)
	v.SetDefault("cache.sweep_interval", cfg.Cache.SweepInterval)
	v.SetDefault("cache.recompress_interval", cfg.Cache.RecompressInterval)
	v.SetDefault("cache.target_hit_rate", cfg.Cache.TargetHitRate)
	v.SetDefault("cache.target_p95_latency_ms", cfg.Cache.TargetP95LatencyMs)
	v.SetDefault("migration.legacy_root", cfg.Migration.LegacyRoot)
	v.SetDefault("migration.backup_enabled", cfg.Migration.BackupEnabled)
	v.SetDefault("migration.checkpoint_every", cfg.Migration.CheckpointEvery)
	v.SetDefault("migration.ignore_patterns", cfg.Migration.IgnorePatterns)
	v.SetDefault("migration.max_content_bytes", cfg.Migration.MaxContentBytes)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.file", cfg.Logging.File)
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir must not be empty")
	}
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_bytes must be positive")
	}
	if c.Migration.CheckpointEvery <= 0 {
		return fmt.Errorf("migration.checkpoint_every must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}

// Save writes the configuration as YAML to path, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// BackupDir returns the migration backup directory under the data dir.
func (c *Config) BackupDir() string {
	return filepath.Join(c.Storage.DataDir, "backups")
}
