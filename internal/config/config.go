// Package config loads ledgersync configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

// UnmarshalYAML parses a duration string such as "500ms" or "2m".
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

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Remote configures the hosted record store endpoint.
type Remote struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// Sync holds the tuning knobs for the sync engine.
type Sync struct {
	Interval   Duration `yaml:"interval"`
	MaxRetries int      `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
	PullLimit  int      `yaml:"pull_limit"`
}

// Config is the full ledgersync configuration.
type Config struct {
	Remote   Remote `yaml:"remote"`
	Database string `yaml:"database"`
	Sync     Sync   `yaml:"sync"`
	LogLevel string `yaml:"log_level"`
}

// tokenEnvVar overrides the configured remote token when set, so the
// token never has to live in the config file.
const tokenEnvVar = "LEDGERSYNC_TOKEN"

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Database: defaultDatabasePath(),
		Sync: Sync{
			Interval:   Duration(30 * time.Second),
			MaxRetries: 5,
			BaseDelay:  Duration(500 * time.Millisecond),
			PullLimit:  500,
		},
		LogLevel: "info",
	}
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledgersync.db"
	}
	return filepath.Join(home, ".cache", "ledgersync", "ledgersync.db")
}

// Load reads the config file at path, applies defaults for unset fields,
// and applies the token environment override. A missing file is not an
// error: defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, cfg.validate()
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyEnv(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if token := os.Getenv(tokenEnvVar); token != "" {
		cfg.Remote.Token = token
	}
}

func (c *Config) validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("sync.max_retries must be at least 1, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval.Std())
	}
	if c.Sync.BaseDelay < 0 {
		return fmt.Errorf("sync.base_delay cannot be negative, got %s", c.Sync.BaseDelay.Std())
	}
	if c.Sync.PullLimit < 1 {
		return fmt.Errorf("sync.pull_limit must be at least 1, got %d", c.Sync.PullLimit)
	}
	return nil
}
