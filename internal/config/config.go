// Package config loads macrostep configuration. Values are layered:
//
//  1. Built-in defaults
//  2. Project config (.macrostep.yaml or .macrostep.yml in the project root)
//  3. Environment variables (MACROSTEP_*)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete macrostep configuration.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	Paths  PathsConfig  `yaml:"paths"`
	Log    LogConfig    `yaml:"log"`
	Watch  WatchConfig  `yaml:"watch"`
}

// EngineConfig tunes expansion runs.
type EngineConfig struct {
	BatchSize int `yaml:"batch_size"`
	MaxSteps  int `yaml:"max_steps"`
	Workers   int `yaml:"workers"`

	// HashRefresh records new hashes for expansions whose text did not
	// change, without touching the content store.
	HashRefresh bool `yaml:"hash_refresh"`
}

// PathsConfig locates the database and scripts, and filters sources.
type PathsConfig struct {
	DB         string   `yaml:"db"`
	ScriptsDir string   `yaml:"scripts_dir"`
	Exclude    []string `yaml:"exclude"`
}

// LogConfig configures the slog logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// WatchConfig configures the watch command.
type WatchConfig struct {
	// Debounce is a Go duration string, e.g. "300ms".
	Debounce string `yaml:"debounce"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			BatchSize:   50,
			MaxSteps:    64,
			Workers:     runtime.NumCPU(),
			HashRefresh: true,
		},
		Paths: PathsConfig{
			DB:      filepath.Join(".macrostep", "macrostep.db"),
			Exclude: []string{"target/"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Watch: WatchConfig{
			Debounce: "300ms",
		},
	}
}

// Load builds the configuration for the project rooted at dir.
func Load(dir string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFromFile merges .macrostep.yaml (or .yml) from dir, if present.
func (c *Config) loadFromFile(dir string) error {
	for _, name := range []string{".macrostep.yaml", ".macrostep.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return c.loadYAML(path)
		}
	}
	return nil
}

// loadYAML decodes path on top of c. Keys absent from the file keep their
// current values.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	ints := []struct {
		key string
		dst *int
	}{
		{"MACROSTEP_BATCH_SIZE", &c.Engine.BatchSize},
		{"MACROSTEP_MAX_STEPS", &c.Engine.MaxSteps},
		{"MACROSTEP_WORKERS", &c.Engine.Workers},
	}
	for _, e := range ints {
		if v := os.Getenv(e.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = n
		}
	}
	if v := os.Getenv("MACROSTEP_HASH_REFRESH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MACROSTEP_HASH_REFRESH: %w", err)
		}
		c.Engine.HashRefresh = b
	}
	if v := os.Getenv("MACROSTEP_DB"); v != "" {
		c.Paths.DB = v
	}
	if v := os.Getenv("MACROSTEP_SCRIPTS_DIR"); v != "" {
		c.Paths.ScriptsDir = v
	}
	if v := os.Getenv("MACROSTEP_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("MACROSTEP_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("MACROSTEP_LOG_FILE"); v != "" {
		c.Log.File = v
	}
	return nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.BatchSize <= 0 {
		return fmt.Errorf("engine.batch_size must be positive, got %d", c.Engine.BatchSize)
	}
	if c.Engine.MaxSteps <= 0 {
		return fmt.Errorf("engine.max_steps must be positive, got %d", c.Engine.MaxSteps)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json', got %s", c.Log.Format)
	}

	if _, err := c.DebounceDuration(); err != nil {
		return err
	}
	return nil
}

// DebounceDuration parses Watch.Debounce.
func (c *Config) DebounceDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil {
		return 0, fmt.Errorf("watch.debounce: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("watch.debounce must not be negative, got %s", d)
	}
	return d, nil
}

// ResolvePath returns p, joined to root when relative.
func ResolvePath(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
