// Package config loads and validates the engine configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main engine configuration
type Config struct {
	Version  string   `yaml:"version"`
	Region   string   `yaml:"region"`
	Accounts []string `yaml:"accounts"`

	Storage   Storage   `yaml:"storage"`
	Sweep     Sweep     `yaml:"sweep,omitempty"`
	Cache     Cache     `yaml:"cache,omitempty"`
	Events    Events    `yaml:"events,omitempty"`
	Logging   Logging   `yaml:"logging,omitempty"`
	Telemetry Telemetry `yaml:"telemetry,omitempty"`
}

// Storage locates the durable store and audit log
type Storage struct {
	Dir      string `yaml:"dir"`
	AuditDir string `yaml:"audit_dir,omitempty"`
}

// Sweep tunes the anti-entropy path
type Sweep struct {
	Interval           Duration `yaml:"interval,omitempty"`
	ConfirmationSweeps int      `yaml:"confirmation_sweeps,omitempty"`
}

// Cache tunes summary freshness
type Cache struct {
	DashboardTTL Duration `yaml:"dashboard_ttl,omitempty"`
	FindingsTTL  Duration `yaml:"findings_ttl,omitempty"`
	ResourcesTTL Duration `yaml:"resources_ttl,omitempty"`
}

// Duration parses YAML duration strings like "30m" or "1h"
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}

	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value")
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Events configures the change notification consumer
type Events struct {
	QueueURL string `yaml:"queue_url,omitempty"`
}

// Logging is the explicit logging configuration: one of debug, info, error
type Logging struct {
	Level string `yaml:"level,omitempty"`
}

// Telemetry configures trace/metric export
type Telemetry struct {
	OTELEndpoint string `yaml:"otel_endpoint,omitempty"`
	Insecure     bool   `yaml:"insecure,omitempty"`
	MetricsAddr  string `yaml:"metrics_addr,omitempty"`
}

// Defaults applied by Load when fields are omitted
const (
	DefaultSweepInterval      = time.Hour
	DefaultConfirmationSweeps = 2
	DefaultMetricsAddr        = ":9090"
	DefaultLogLevel           = "info"
)

// Load reads, defaults, and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sweep.Interval <= 0 {
		c.Sweep.Interval = Duration(DefaultSweepInterval)
	}
	if c.Sweep.ConfirmationSweeps <= 0 {
		c.Sweep.ConfirmationSweeps = DefaultConfirmationSweeps
	}
	if c.Telemetry.MetricsAddr == "" {
		c.Telemetry.MetricsAddr = DefaultMetricsAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Storage.AuditDir == "" && c.Storage.Dir != "" {
		c.Storage.AuditDir = c.Storage.Dir + "/audit"
	}
}

// Validate ensures the config has required fields and sane values
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account is required")
	}
	for _, account := range c.Accounts {
		if account == "" {
			return fmt.Errorf("account IDs must not be empty")
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, or error, got %q", c.Logging.Level)
	}
	return nil
}
