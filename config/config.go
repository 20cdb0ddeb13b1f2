// Package config loads the slot runner configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid")

// Config represents the complete slot runner configuration
type Config struct {
	Slots      int              `yaml:"slots"` // concurrent event slots
	ThreadPool ThreadPoolConfig `yaml:"thread_pool"`
	Processor  ProcessorConfig  `yaml:"processor"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ThreadPoolConfig contains worker pool settings
type ThreadPoolConfig struct {
	Size             int  `yaml:"size"`              // -1 means one worker per CPU
	ExtraParallelism int  `yaml:"extra_parallelism"` // hint passed to the pool manager
	LockOSThread     bool `yaml:"lock_os_thread"`
}

// ProcessorConfig contains event processor settings
type ProcessorConfig struct {
	Name     string `yaml:"name"`
	Capacity int    `yaml:"capacity"` // pending events plus the one in flight
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

// MetricsConfig contains Prometheus exporter settings
type MetricsConfig struct {
	Namespace    string `yaml:"namespace"`
	Listen       string `yaml:"listen"` // empty disables the HTTP endpoint
	PollInterval string `yaml:"poll_interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Slots: 1,
		ThreadPool: ThreadPoolConfig{
			Size: -1,
		},
		Processor: ProcessorConfig{
			Name:     "processor",
			Capacity: 2,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Namespace:    "slotrunner",
			PollInterval: "5s",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Slots < 1 {
		errs = append(errs, fmt.Errorf("%w: slots must be >= 1, got %d", ErrInvalid, c.Slots))
	}
	if c.ThreadPool.Size == 0 || c.ThreadPool.Size < -1 {
		errs = append(errs, fmt.Errorf("%w: thread_pool.size must be -1 or >= 1, got %d", ErrInvalid, c.ThreadPool.Size))
	}
	if c.ThreadPool.ExtraParallelism < 0 {
		errs = append(errs, fmt.Errorf("%w: thread_pool.extra_parallelism must be >= 0", ErrInvalid))
	}
	if c.Processor.Capacity < 1 {
		errs = append(errs, fmt.Errorf("%w: processor.capacity must be >= 1, got %d", ErrInvalid, c.Processor.Capacity))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("%w: unknown logging.level %q", ErrInvalid, c.Logging.Level))
	}
	if c.Metrics.PollInterval != "" {
		if _, err := c.PollInterval(); err != nil {
			errs = append(errs, fmt.Errorf("%w: metrics.poll_interval: %v", ErrInvalid, err))
		}
	}
	return errors.Join(errs...)
}

// PollInterval returns the metrics poll interval, 5s when unset.
func (c *Config) PollInterval() (time.Duration, error) {
	if c.Metrics.PollInterval == "" {
		return 5 * time.Second, nil
	}
	d, err := time.ParseDuration(c.Metrics.PollInterval)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}
