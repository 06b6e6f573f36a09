package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SettingsLayer identifies the source of settings.
type SettingsLayer string

const (
	LayerDefault SettingsLayer = "default" // Built-in, read-only
	LayerLocal   SettingsLayer = "local"   // Admin customizations
)

// Settings represents all admin-configurable runtime settings — the
// knobs that can change without a daemon restart, layered over the
// static Config loaded at startup.
type Settings struct {
	AskUser AskUserSettings `json:"ask_user"`
	Engines EngineSettings  `json:"engines"`
}

// AskUserSettings controls the ask-user prompt policy (§4.7.4).
type AskUserSettings struct {
	Enabled         *bool   `json:"enabled,omitempty"`          // master switch for all prompting
	MinSeverity     *string `json:"min_severity,omitempty"`     // "medium" or "high"; below this, act automatically
	SuppressRepeats *bool   `json:"suppress_repeats,omitempty"` // don't re-prompt for a target already judged
}

// EngineSettings holds the default enabled state applied to each
// engine kind the first time it is seen (subsequent state lives in
// storage; see enginemgmt).
type EngineSettings struct {
	ContentEnabledByDefault *bool `json:"content_enabled_by_default,omitempty"`
	WebEnabledByDefault     *bool `json:"web_enabled_by_default,omitempty"`
}

// SettingsStore manages settings with layered configuration.
type SettingsStore struct {
	mu       sync.RWMutex
	defaults Settings
	local    Settings
	path     string // Path to local settings file
}

// NewSettingsStore creates a new settings store rooted at dataDir.
func NewSettingsStore(dataDir string) (*SettingsStore, error) {
	store := &SettingsStore{
		defaults: getDefaultSettings(),
		path:     filepath.Join(dataDir, "settings.json"),
	}

	if err := store.loadLocal(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load local settings: %w", err)
		}
	}

	return store, nil
}

// getDefaultSettings returns csrd's built-in defaults.
func getDefaultSettings() Settings {
	enabled := true
	medium := "medium"
	suppress := true

	return Settings{
		AskUser: AskUserSettings{
			Enabled:         &enabled,
			MinSeverity:     &medium,
			SuppressRepeats: &suppress,
		},
		Engines: EngineSettings{
			ContentEnabledByDefault: &enabled,
			WebEnabledByDefault:     &enabled,
		},
	}
}

// GetDefaults returns the built-in default settings (read-only).
func (s *SettingsStore) GetDefaults() Settings {
	return s.defaults
}

// GetLocal returns only the admin's customizations.
func (s *SettingsStore) GetLocal() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

// GetMerged returns settings with local overriding defaults.
func (s *SettingsStore) GetMerged() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return mergeSettings(s.defaults, s.local)
}

// SaveLocal saves admin customizations.
func (s *SettingsStore) SaveLocal(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.local = settings

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}

	return nil
}

// ResetToDefault removes all local customizations.
func (s *SettingsStore) ResetToDefault() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.local = Settings{}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove settings file: %w", err)
	}

	return nil
}

// loadLocal loads local settings from file.
func (s *SettingsStore) loadLocal() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &s.local); err != nil {
		return fmt.Errorf("failed to parse settings file: %w", err)
	}

	return nil
}

// GetDiff returns which settings differ from defaults.
func (s *SettingsStore) GetDiff() map[string]SettingDiff {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return diffSettings(s.defaults, s.local)
}

// SettingDiff represents a difference from default.
type SettingDiff struct {
	Path         string `json:"path"`
	DefaultValue any    `json:"default_value"`
	LocalValue   any    `json:"local_value"`
}

// diffSettings compares local settings against defaults.
func diffSettings(defaults, local Settings) map[string]SettingDiff {
	diffs := make(map[string]SettingDiff)

	if local.AskUser.Enabled != nil && *local.AskUser.Enabled != *defaults.AskUser.Enabled {
		diffs["ask_user.enabled"] = SettingDiff{
			Path:         "ask_user.enabled",
			DefaultValue: *defaults.AskUser.Enabled,
			LocalValue:   *local.AskUser.Enabled,
		}
	}
	if local.AskUser.MinSeverity != nil && *local.AskUser.MinSeverity != *defaults.AskUser.MinSeverity {
		diffs["ask_user.min_severity"] = SettingDiff{
			Path:         "ask_user.min_severity",
			DefaultValue: *defaults.AskUser.MinSeverity,
			LocalValue:   *local.AskUser.MinSeverity,
		}
	}
	if local.AskUser.SuppressRepeats != nil && *local.AskUser.SuppressRepeats != *defaults.AskUser.SuppressRepeats {
		diffs["ask_user.suppress_repeats"] = SettingDiff{
			Path:         "ask_user.suppress_repeats",
			DefaultValue: *defaults.AskUser.SuppressRepeats,
			LocalValue:   *local.AskUser.SuppressRepeats,
		}
	}

	if local.Engines.ContentEnabledByDefault != nil &&
		*local.Engines.ContentEnabledByDefault != *defaults.Engines.ContentEnabledByDefault {
		diffs["engines.content_enabled_by_default"] = SettingDiff{
			Path:         "engines.content_enabled_by_default",
			DefaultValue: *defaults.Engines.ContentEnabledByDefault,
			LocalValue:   *local.Engines.ContentEnabledByDefault,
		}
	}
	if local.Engines.WebEnabledByDefault != nil &&
		*local.Engines.WebEnabledByDefault != *defaults.Engines.WebEnabledByDefault {
		diffs["engines.web_enabled_by_default"] = SettingDiff{
			Path:         "engines.web_enabled_by_default",
			DefaultValue: *defaults.Engines.WebEnabledByDefault,
			LocalValue:   *local.Engines.WebEnabledByDefault,
		}
	}

	return diffs
}

// mergeSettings merges local settings over defaults.
func mergeSettings(defaults, local Settings) Settings {
	merged := defaults

	if local.AskUser.Enabled != nil {
		merged.AskUser.Enabled = local.AskUser.Enabled
	}
	if local.AskUser.MinSeverity != nil {
		merged.AskUser.MinSeverity = local.AskUser.MinSeverity
	}
	if local.AskUser.SuppressRepeats != nil {
		merged.AskUser.SuppressRepeats = local.AskUser.SuppressRepeats
	}

	if local.Engines.ContentEnabledByDefault != nil {
		merged.Engines.ContentEnabledByDefault = local.Engines.ContentEnabledByDefault
	}
	if local.Engines.WebEnabledByDefault != nil {
		merged.Engines.WebEnabledByDefault = local.Engines.WebEnabledByDefault
	}

	return merged
}
