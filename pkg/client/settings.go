package client

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings stores client preferences persisted as YAML next to the binary.
type Settings struct {
	Transport          Transport     `yaml:"transport"`
	WSPath             string        `yaml:"ws_path"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	LastBookmark       string        `yaml:"last_bookmark,omitempty"`
}

// DefaultSettings returns default settings.
func DefaultSettings() *Settings {
	return &Settings{
		Transport:    TransportTCP,
		WSPath:       DefaultWSPath,
		PingInterval: 30 * time.Second,
	}
}

// SettingsPath returns the settings file next to the executable.
func SettingsPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "settings.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "settings.yaml")
}

// LoadSettings loads settings from path or returns defaults.
func LoadSettings(path string) *Settings {
	s := DefaultSettings()
	data, err := os.ReadFile(path) //nolint:gosec // path chosen by the local user
	if err != nil {
		return s
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		slog.Error("parse settings", "err", err)
		return DefaultSettings()
	}
	return s
}

// Save writes settings to path.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
