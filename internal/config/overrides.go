package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// applyOverrideFile overlays the JSON override snapshot onto cfg.
// A missing or unreadable snapshot is ignored, matching the lenient
// behaviour expected from an operator-edited file.
func applyOverrideFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	if err = json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config overrides %s: %w", path, err)
	}
	return nil
}

// Store holds the live configuration plus the set of explicitly overridden
// fields. Reads snapshot the current *Config; updates merge a partial JSON
// document, persist only the overridden fields, and swap the snapshot.
type Store struct {
	mu        sync.RWMutex
	current   *Config
	overrides map[string]json.RawMessage
	yamlPath  string
}

// NewStore builds a Store around an already-loaded Config. The override
// map is rebuilt from the snapshot file so later updates merge with what
// an operator persisted earlier.
func NewStore(cfg *Config, yamlPath string) *Store {
	s := &Store{current: cfg, overrides: map[string]json.RawMessage{}, yamlPath: yamlPath}
	if !cfg.NoFilesystemMode {
		if data, err := os.ReadFile(OverridePath(cfg.DataFolder)); err == nil {
			_ = json.Unmarshal(data, &s.overrides)
		}
	}
	return s
}

// Get returns the current configuration snapshot. Callers must not mutate it.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update merges a partial JSON settings document into the override set,
// rebuilds the effective configuration from scratch, persists the snapshot
// and returns the new config. Unknown fields are rejected.
func (s *Store) Update(partial []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(partial))
	dec.DisallowUnknownFields()
	probe := Config{}
	if err := dec.Decode(&probe); err != nil {
		return nil, fmt.Errorf("invalid settings document: %w", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(partial, &fields); err != nil {
		return nil, fmt.Errorf("invalid settings document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range fields {
		s.overrides[k] = v
	}

	cfg, err := s.rebuildLocked()
	if err != nil {
		return nil, err
	}

	if !cfg.NoFilesystemMode {
		if err = s.persistLocked(cfg); err != nil {
			return nil, err
		}
	}
	s.current = cfg
	return cfg, nil
}

// Reload re-reads the YAML base and the override snapshot from disk and
// swaps the live configuration. Used by the filesystem watcher when an
// operator edits config.json directly.
func (s *Store) Reload() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := LoadConfig(s.yamlPath)
	if err != nil {
		return nil, err
	}
	s.overrides = map[string]json.RawMessage{}
	if !cfg.NoFilesystemMode {
		if data, errRead := os.ReadFile(OverridePath(cfg.DataFolder)); errRead == nil {
			_ = json.Unmarshal(data, &s.overrides)
		}
	}
	s.current = cfg
	return cfg, nil
}

func (s *Store) rebuildLocked() (*Config, error) {
	cfg, err := LoadConfig(s.yamlPath)
	if err != nil {
		return nil, err
	}
	merged, err := json.Marshal(s.overrides)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(merged, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *Store) persistLocked(cfg *Config) error {
	if err := os.MkdirAll(cfg.DataFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create data folder: %w", err)
	}
	data, err := json.MarshalIndent(s.overrides, "", "  ")
	if err != nil {
		return err
	}
	path := OverridePath(cfg.DataFolder)
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config overrides: %w", err)
	}
	return os.Rename(tmp, path)
}
