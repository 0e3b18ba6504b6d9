// Package config loads the dbus-propmon configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML unmarshalling for human-readable
// strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// TargetConfig names one remote interface to monitor.
type TargetConfig struct {
	Service   string `yaml:"service"`
	Path      string `yaml:"path"`
	Interface string `yaml:"interface"`
}

// Valid reports whether all three fields are set.
func (t TargetConfig) Valid() bool {
	return t.Service != "" && t.Path != "" && t.Interface != ""
}

// WatchConfig holds watch-subcommand settings.
type WatchConfig struct {
	// Throttle coalesces bursts of change lines; zero prints every change.
	Throttle Duration `yaml:"throttle"`
	// Notify enables desktop notifications on service availability changes.
	Notify bool `yaml:"notify"`
}

// Config is the top-level configuration file structure.
type Config struct {
	Bus       string         `yaml:"bus"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
	Targets   []TargetConfig `yaml:"targets"`
	Watch     WatchConfig    `yaml:"watch"`
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "dbus-propmon", "config.yaml")
}

// Load reads and parses a YAML config file. If the file does not exist, it
// returns an empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}
