package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings are the runtime-adjustable recovery options
type Settings struct {
	Enabled         bool  `yaml:"enabled" json:"enabled"`
	AutoRestore     bool  `yaml:"auto_restore" json:"autoRestore"`
	IntervalSeconds int   `yaml:"interval_seconds" json:"interval"`
	BabystepEnabled *bool `yaml:"babystep_enabled" json:"babystepEnabled"`
}

// DefaultSettings returns the defaults table
func DefaultSettings() Settings {
	return Settings{
		Enabled:         true,
		AutoRestore:     false,
		IntervalSeconds: 1,
		BabystepEnabled: nil,
	}
}

// Validate checks the settings are usable
func (s Settings) Validate() error {
	if s.IntervalSeconds < 1 {
		return fmt.Errorf("interval must be at least 1 second, got %d", s.IntervalSeconds)
	}
	return nil
}

// Interval returns the checkpoint interval as a duration
func (s Settings) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Babystep reports whether babystep tracking is on. Unknown counts as off.
func (s Settings) Babystep() bool {
	return s.BabystepEnabled != nil && *s.BabystepEnabled
}

// SettingsStore persists Settings across restarts
type SettingsStore interface {
	Load() (Settings, error)
	Save(Settings) error
}

// FileSettingsStore keeps settings in a YAML file next to the checkpoint
type FileSettingsStore struct {
	path     string
	defaults Settings
	mu       sync.Mutex
}

// NewFileSettingsStore creates a settings store. defaults are returned
// until the first Save.
func NewFileSettingsStore(path string, defaults Settings) *FileSettingsStore {
	return &FileSettingsStore{
		path:     path,
		defaults: defaults,
	}
}

// Load reads the settings file, falling back to defaults when it is absent
func (s *FileSettingsStore) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := s.defaults

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return settings, nil
	}
	if err != nil {
		return settings, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := yaml.Unmarshal(data, &settings); err != nil {
		return s.defaults, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return s.defaults, fmt.Errorf("invalid stored settings: %w", err)
	}

	return settings, nil
}

// Save validates and writes the settings through a temp file and rename
func (s *FileSettingsStore) Save(settings Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create settings dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace settings: %w", err)
	}

	return nil
}
