// Package config holds the database configuration and its on-disk manifest.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	DefaultManifestFileName = "MANIFEST"
	CurrentManifestVersion  = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

type SyncMode int

const (
	SyncNone SyncMode = iota
	SyncBatch
	SyncImmediate
)

type Config struct {
	Version int `json:"version"`

	// Feed configuration
	FeedDir       string   `json:"feed_dir"`
	FeedSyncMode  SyncMode `json:"feed_sync_mode"`
	FeedSyncBytes int64    `json:"feed_sync_bytes"`

	// Tree configuration
	BlockCacheSize int  `json:"block_cache_size"`
	ExtensionOn    bool `json:"extension_on"`

	mu sync.RWMutex
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(dbPath string) *Config {
	return &Config{
		Version: CurrentManifestVersion,

		FeedDir:       filepath.Join(dbPath, "feed"),
		FeedSyncMode:  SyncBatch,
		FeedSyncBytes: 1024 * 1024, // 1MB

		BlockCacheSize: 1024,
		ExtensionOn:    true,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}
	if c.FeedDir == "" {
		return fmt.Errorf("%w: feed directory not set", ErrInvalidConfig)
	}
	if c.FeedSyncMode < SyncNone || c.FeedSyncMode > SyncImmediate {
		return fmt.Errorf("%w: invalid sync mode %d", ErrInvalidConfig, c.FeedSyncMode)
	}
	if c.FeedSyncMode == SyncBatch && c.FeedSyncBytes <= 0 {
		return fmt.Errorf("%w: sync bytes must be positive in batch mode", ErrInvalidConfig)
	}
	if c.BlockCacheSize < 0 {
		return fmt.Errorf("%w: negative block cache size", ErrInvalidConfig)
	}
	return nil
}

// SaveManifest writes the configuration to the manifest file in the given directory
func (c *Config) SaveManifest(dir string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	path := filepath.Join(dir, DefaultManifestFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to install manifest: %w", err)
	}
	return nil
}

// LoadConfigFromManifest reads a configuration from the manifest file in the given directory
func LoadConfigFromManifest(dir string) (*Config, error) {
	path := filepath.Join(dir, DefaultManifestFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
