// Package config loads craft's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBPath    string    `yaml:"db_path"`
	LogLevel  string    `yaml:"log_level"`
	LogFormat string    `yaml:"log_format"`
	Sync      Sync      `yaml:"sync"`
	Retry     Retry     `yaml:"retry"`
	RateLimit RateLimit `yaml:"rate_limit"`
	// MinServerVersion, when set, marks older servers incompatible.
	MinServerVersion string `yaml:"min_server_version"`
}

type Sync struct {
	// Workers bounds how many changes one sync pass processes at once.
	Workers        int           `yaml:"workers"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// Resolution is the default conflict strategy: auto, local_wins,
	// remote_wins or prompt.
	Resolution string `yaml:"resolution"`
}

// Retry is the operation queue backoff policy.
type Retry struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	MaxRetries int           `yaml:"max_retries"`
	// Jitter is the fraction of each delay that is randomized.
	Jitter float64 `yaml:"jitter"`
}

// RateLimit controls in-place retries of 429 responses.
type RateLimit struct {
	MaxRetries int           `yaml:"max_retries"`
	MaxWait    time.Duration `yaml:"max_wait"`
}

func DefaultConfig() Config {
	return Config{
		DBPath:    defaultDBPath(),
		LogLevel:  "warn",
		LogFormat: "text",
		Sync: Sync{
			Workers:        4,
			RequestTimeout: 30 * time.Second,
			Resolution:     "auto",
		},
		Retry: Retry{
			BaseDelay:  2 * time.Second,
			MaxDelay:   10 * time.Minute,
			MaxRetries: 5,
			Jitter:     0.2,
		},
		RateLimit: RateLimit{
			MaxRetries: 2,
			MaxWait:    30 * time.Second,
		},
	}
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "craft.yml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "craft", "config.yml")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "craft.db"
	}
	return filepath.Join(home, ".local", "state", "craft", "craft.db")
}

// Load reads path over the defaults. A missing file yields the defaults.
// CRAFT_DB overrides the database path.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if v := os.Getenv("CRAFT_DB"); v != "" {
		cfg.DBPath = v
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be >= 1, got %d", c.Sync.Workers)
	}
	switch c.Sync.Resolution {
	case "auto", "local_wins", "remote_wins", "prompt":
	default:
		return fmt.Errorf("sync.resolution %q is not one of auto, local_wins, remote_wins, prompt", c.Sync.Resolution)
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be >= 1, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return fmt.Errorf("retry.jitter must be in [0, 1), got %v", c.Retry.Jitter)
	}
	if c.RateLimit.MaxRetries < 0 {
		return fmt.Errorf("rate_limit.max_retries must be >= 0, got %d", c.RateLimit.MaxRetries)
	}
	return nil
}
