// Package config loads the scheduler's YAML configuration file, mirroring
// the nested-struct-plus-yaml-tags layout the rest of this codebase's
// ancestry uses for its own config files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	Worker  WorkerConfig  `yaml:"worker"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// WorkerConfig holds the worker section of the file. DefaultTimeout is
// loaded and reported by the status command; it is not passed to the
// worker thread, where operations without their own timeout use
// operation.DefaultTimeout.
type WorkerConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// MetricsConfig controls the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns a Config with the scheduler's built-in defaults, used
// when no config file is supplied.
func Default() Config {
	return Config{
		Worker: WorkerConfig{
			DefaultTimeout: 4 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a YAML config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
