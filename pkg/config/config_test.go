package config

import (
	"errors"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := NewDefaultConfig(t.TempDir())
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero version", func(c *Config) { c.Version = 0 }},
		{"empty feed dir", func(c *Config) { c.FeedDir = "" }},
		{"bad sync mode", func(c *Config) { c.FeedSyncMode = SyncMode(99) }},
		{"batch mode without sync bytes", func(c *Config) { c.FeedSyncMode = SyncBatch; c.FeedSyncBytes = 0 }},
		{"negative cache", func(c *Config) { c.BlockCacheSize = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig(t.TempDir())
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := NewDefaultConfig(dir)
	cfg.BlockCacheSize = 64
	cfg.FeedSyncMode = SyncImmediate

	if err := cfg.SaveManifest(dir); err != nil {
		t.Fatalf("failed to save manifest: %v", err)
	}

	loaded, err := LoadConfigFromManifest(dir)
	if err != nil {
		t.Fatalf("failed to load manifest: %v", err)
	}

	if loaded.BlockCacheSize != 64 {
		t.Errorf("block cache size: got %d, want 64", loaded.BlockCacheSize)
	}
	if loaded.FeedSyncMode != SyncImmediate {
		t.Errorf("sync mode: got %d, want %d", loaded.FeedSyncMode, SyncImmediate)
	}
	if loaded.FeedDir != cfg.FeedDir {
		t.Errorf("feed dir: got %q, want %q", loaded.FeedDir, cfg.FeedDir)
	}
}

func TestManifestNotFound(t *testing.T) {
	_, err := LoadConfigFromManifest(t.TempDir())
	if !errors.Is(err, ErrManifestNotFound) {
		t.Errorf("expected ErrManifestNotFound, got %v", err)
	}
}
