package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var defaultManager = &instanceManager{}

type instanceManager struct {
	loaded bool
	cfg    *Config
	mu     sync.RWMutex
}

func (ins *instanceManager) load(path string) (*Config, error) {
	ins.mu.Lock()
	defer ins.mu.Unlock()

	cfg, err := loadConfigFile(path)
	if err != nil {
		return nil, err
	}

	ins.cfg = cfg
	ins.loaded = true
	return cfg.Clone()
}

func (ins *instanceManager) get() (*Config, error) {
	ins.mu.RLock()
	defer ins.mu.RUnlock()

	if !ins.loaded || ins.cfg == nil {
		return nil, fmt.Errorf("config is not loaded")
	}
	return ins.cfg.Clone()
}

func loadConfigFile(path string) (*Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Load parses, validates, and installs the config at path.
func Load(path string) (*Config, error) {
	return defaultManager.load(path)
}

// Get returns a copy of the currently loaded config.
func Get() (*Config, error) {
	return defaultManager.get()
}

// Write marshals cfg to path, creating parent directories. Used by the
// init command to produce a starter config.
func Write(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		_ = enc.Close()
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
