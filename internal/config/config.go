package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the file-backed engine configuration. Every field can also be
// set through the environment with a SHELLBOX_ prefix (SHELLBOX_SHELL,
// SHELLBOX_DEFAULT_TIMEOUT_MS, ...); environment values override the file.
type Config struct {
	Shell   string `yaml:"shell" envconfig:"SHELL"`
	WorkDir string `yaml:"workdir" envconfig:"WORKDIR"`

	DefaultTimeoutMS int `yaml:"default_timeout_ms" envconfig:"DEFAULT_TIMEOUT_MS"`
	MaxTimeoutMS     int `yaml:"max_timeout_ms" envconfig:"MAX_TIMEOUT_MS"`
	LaunchTimeoutMS  int `yaml:"launch_timeout_ms" envconfig:"LAUNCH_TIMEOUT_MS"`
	PollIntervalMS   int `yaml:"poll_interval_ms" envconfig:"POLL_INTERVAL_MS"`
	PollDeadlineMS   int `yaml:"poll_deadline_ms" envconfig:"POLL_DEADLINE_MS"`

	TruncateBytes int `yaml:"truncate_bytes" envconfig:"TRUNCATE_BYTES"`

	LogLevel       string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogDevelopment bool   `yaml:"log_development" envconfig:"LOG_DEVELOPMENT"`
}

// Load reads the YAML file at path. A missing file is not an error: the
// engine runs fine on defaults, so Load returns (nil, nil) and the caller
// starts from a zero Config.
func Load(path string) (*Config, error) {
	p, err := expandPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config %s: %w", p, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", p, err)
	}
	return &cfg, nil
}

// LoadWithEnv loads the file (if any) and applies the environment overlay.
func LoadWithEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if err := envconfig.Process("shellbox", cfg); err != nil {
		return nil, fmt.Errorf("config environment: %w", err)
	}
	return cfg, nil
}

// Durations converts the millisecond fields, leaving zeros as zeros so the
// engine's own defaults apply.
func (c *Config) Durations() (def, max, launch, pollInt, pollDead time.Duration) {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return ms(c.DefaultTimeoutMS), ms(c.MaxTimeoutMS), ms(c.LaunchTimeoutMS),
		ms(c.PollIntervalMS), ms(c.PollDeadlineMS)
}

func expandPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand %q: %w", p, err)
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
	}
	return p, nil
}
