package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/aristath/deploygraph/internal/scheduler"
)

// Dir is the name of the configuration directory, both in the home
// directory and in the project.
const Dir = ".deploygraph"

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON or invalid values return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GlobalPath returns ~/.deploygraph/config.json.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, Dir, "config.json"), nil
}

// ProjectPath returns .deploygraph/config.json relative to the working directory.
func ProjectPath() string {
	return filepath.Join(Dir, "config.json")
}

// LoadDefault loads configuration from conventional paths.
func LoadDefault() (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath())
}

// mergeConfigFile reads a JSON config file and overlays it on the base
// config: only the fields present in the file change. Missing files are
// silently skipped.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	if err := json.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// Validate checks values that cannot be expressed by the JSON types alone.
func (c *Config) Validate() error {
	if c.Runner.DispatchLimit < 1 {
		return fmt.Errorf("runner.dispatch_limit must be at least 1, got %d", c.Runner.DispatchLimit)
	}
	if c.Runner.MaxConcurrency < 0 {
		return fmt.Errorf("runner.max_concurrency must not be negative, got %d", c.Runner.MaxConcurrency)
	}
	if c.Runner.PollInterval <= 0 {
		return fmt.Errorf("runner.poll_interval must be positive")
	}
	if _, err := c.SkipPolicy(); err != nil {
		return fmt.Errorf("runner.skip_policy: %w", err)
	}
	if _, err := c.LogLevel(); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %v", c.Retry.Multiplier)
	}
	return nil
}

// SkipPolicy returns the parsed runner skip policy.
func (c *Config) SkipPolicy() (scheduler.SkipPolicy, error) {
	return scheduler.ParseSkipPolicy(c.Runner.SkipPolicy)
}

// LogLevel returns the parsed logging level.
func (c *Config) LogLevel() (logrus.Level, error) {
	return logrus.ParseLevel(c.Logging.Level)
}

// JournalPath returns the configured journal path, defaulting to
// .deploygraph/journal.db.
func (c *Config) JournalPath() string {
	if c.Journal.Path != "" {
		return c.Journal.Path
	}
	return filepath.Join(Dir, "journal.db")
}
