// Package config provides configuration loading and structs for embedd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the adapter.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig holds HTTP server settings (long-lived mode only).
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// EmbeddingConfig holds model and embedder settings.
type EmbeddingConfig struct {
	ModelPath    string `yaml:"model_path"`
	DefaultModel string `yaml:"default_model"`
	Dimensions   int    `yaml:"dimensions"`
	MaxTokens    int    `yaml:"max_tokens"`
	CacheSize    int    `yaml:"cache_size"`
}

// StorageConfig holds the persistent embedding cache location.
// An empty CachePath disables the persistent cache.
type StorageConfig struct {
	CachePath string `yaml:"cache_path"`
}

// Load reads and parses the config file at path, expands paths, and applies
// defaults. Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	if cfg.Storage.CachePath != "" {
		cfg.Storage.CachePath = expandPath(cfg.Storage.CachePath, configDir)
	}

	return &cfg, nil
}

// LoadOrDefault loads the config at path when the file exists, and otherwise
// returns a default config. The adapter must run with zero configuration.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := &Config{}
		ApplyDefaults(cfg)
		return cfg, nil
	}
	return Load(path)
}

// expandPath converts a path to absolute. Paths starting with "./" are
// relative to configDir; other relative paths are relative to the home
// directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
