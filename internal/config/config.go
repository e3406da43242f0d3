// Package config provides unified configuration for the Gridrow engine and tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration for the Gridrow engine.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Store configuration
	Store StoreConfig `json:"store" yaml:"store"`

	// Limits applied at table creation time
	Limits LimitsConfig `json:"limits" yaml:"limits"`

	// Sync configuration
	Sync SyncConfig `json:"sync" yaml:"sync"`
}

// StoreConfig holds row-store configuration.
type StoreConfig struct {
	// Path is the path to the store database file
	Path string `json:"path" yaml:"path"`

	// BusyTimeout is the SQLite busy timeout
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`

	// BatchSize bounds the number of rows mutated per transaction,
	// which bounds row-lock hold time during bulk operations
	BatchSize int `json:"batch_size" yaml:"batch_size"`
}

// LimitsConfig holds creation-time size limits.
type LimitsConfig struct {
	// MaxInitialRows is the maximum number of rows accepted when a table
	// is created from a grid of values
	MaxInitialRows int `json:"max_initial_rows" yaml:"max_initial_rows"`

	// MaxInitialFields is the maximum number of fields per new table
	MaxInitialFields int `json:"max_initial_fields" yaml:"max_initial_fields"`
}

// SyncConfig holds data-sync configuration.
type SyncConfig struct {
	// LockTTL is how long a sync's in-flight lock is considered held
	LockTTL time.Duration `json:"lock_ttl" yaml:"lock_ttl"`

	// Interval is the period between automatic sync runs in daemon mode
	Interval time.Duration `json:"interval" yaml:"interval"`

	// SourceTimeout bounds a single fetch from an external source
	SourceTimeout time.Duration `json:"source_timeout" yaml:"source_timeout"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/gridrow",
		Store: StoreConfig{
			Path:        "",
			BusyTimeout: 5 * time.Second,
			BatchSize:   200,
		},
		Limits: LimitsConfig{
			MaxInitialRows:   5000,
			MaxInitialFields: 200,
		},
		Sync: SyncConfig{
			LockTTL:       5 * time.Second,
			Interval:      time.Hour,
			SourceTimeout: 60 * time.Second,
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/gridrow"
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "gridrow.db")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Store.BatchSize <= 0 {
		return fmt.Errorf("store.batch_size must be positive, got %d", c.Store.BatchSize)
	}
	if c.Limits.MaxInitialRows <= 0 || c.Limits.MaxInitialFields <= 0 {
		return fmt.Errorf("limits must be positive, got rows=%d fields=%d",
			c.Limits.MaxInitialRows, c.Limits.MaxInitialFields)
	}
	if c.Sync.LockTTL < time.Second {
		return fmt.Errorf("sync.lock_ttl must be at least 1s, got %s", c.Sync.LockTTL)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the GRIDROW_ prefix. A .env file in the working
// directory is applied first when present.
func LoadFromEnv(cfg *Config) {
	// Missing .env is the normal case, not an error.
	_ = godotenv.Load()

	if v := os.Getenv("GRIDROW_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("GRIDROW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("GRIDROW_STORE_BATCH_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Store.BatchSize)
	}
	if v := os.Getenv("GRIDROW_MAX_INITIAL_ROWS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Limits.MaxInitialRows)
	}
	if v := os.Getenv("GRIDROW_MAX_INITIAL_FIELDS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Limits.MaxInitialFields)
	}
	if v := os.Getenv("GRIDROW_SYNC_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.LockTTL = d
		}
	}
	if v := os.Getenv("GRIDROW_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = d
		}
	}
	if v := os.Getenv("GRIDROW_SYNC_SOURCE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.SourceTimeout = d
		}
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		filepath.Dir(c.Store.Path),
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
