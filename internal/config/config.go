// ABOUTME: Configuration loading and parsing for probeops-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied to unset fields.
const (
	DefaultHTTPAddr           = "0.0.0.0:8080"
	DefaultGRPCAddr           = "0.0.0.0:50051"
	DefaultInteractiveTimeout = 15 * time.Second
	DefaultScheduledTimeout   = 30 * time.Second
	DefaultSweepInterval      = 10 * time.Second
	DefaultSchedulerWorkers   = 4
	DefaultSchedulerQueueSize = 64
	DefaultMetricsPath        = "/metrics"
)

// Config represents the complete probeops-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Dispatch  DispatchConfig  `yaml:"dispatch" toml:"dispatch"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Scheduler SchedulerConfig `yaml:"scheduler" toml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
	// Driver is "sqlite" (pure Go, default) or "sqlite3" (cgo)
	Driver string `yaml:"driver" toml:"driver"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// DispatchConfig holds job dispatch timing and agent selection
type DispatchConfig struct {
	InteractiveTimeout time.Duration `yaml:"-" toml:"-"`
	ScheduledTimeout   time.Duration `yaml:"-" toml:"-"`
	Selection          string        `yaml:"selection" toml:"selection"`

	// Raw string values for unmarshaling
	InteractiveTimeoutRaw string `yaml:"interactive_timeout" toml:"interactive_timeout"`
	ScheduledTimeoutRaw   string `yaml:"scheduled_timeout" toml:"scheduled_timeout"`
}

// AgentsConfig holds agent liveness and duplicate-name configuration
type AgentsConfig struct {
	HeartbeatTimeout time.Duration `yaml:"-" toml:"-"`
	SweepInterval    time.Duration `yaml:"-" toml:"-"`
	DuplicatePolicy  string        `yaml:"duplicate_policy" toml:"duplicate_policy"`

	// Raw string values for unmarshaling
	HeartbeatTimeoutRaw string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	SweepIntervalRaw    string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// SchedulerConfig sizes the scheduled probe worker pool
type SchedulerConfig struct {
	Workers   int `yaml:"workers" toml:"workers"`
	QueueSize int `yaml:"queue_size" toml:"queue_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, formatFor(path))
}

// Format names accepted by Parse.
const (
	FormatYAML = "yaml"
	FormatTOML = "toml"
)

func formatFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse decodes raw configuration content in the given format.
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if !c.Tailscale.Enabled {
		if c.Server.HTTPAddr == "" {
			c.Server.HTTPAddr = DefaultHTTPAddr
		}
		if c.Server.GRPCAddr == "" {
			c.Server.GRPCAddr = DefaultGRPCAddr
		}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Dispatch.InteractiveTimeout == 0 {
		c.Dispatch.InteractiveTimeout = DefaultInteractiveTimeout
	}
	if c.Dispatch.ScheduledTimeout == 0 {
		c.Dispatch.ScheduledTimeout = DefaultScheduledTimeout
	}
	if c.Dispatch.Selection == "" {
		c.Dispatch.Selection = "round_robin"
	}
	if c.Agents.DuplicatePolicy == "" {
		c.Agents.DuplicatePolicy = "replace"
	}
	if c.Agents.HeartbeatTimeout > 0 && c.Agents.SweepInterval == 0 {
		c.Agents.SweepInterval = DefaultSweepInterval
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = DefaultSchedulerWorkers
	}
	if c.Scheduler.QueueSize == 0 {
		c.Scheduler.QueueSize = DefaultSchedulerQueueSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Dispatch.InteractiveTimeout < 0 || c.Dispatch.ScheduledTimeout < 0 {
		return fmt.Errorf("dispatch timeouts must be positive")
	}

	switch c.Dispatch.Selection {
	case "round_robin", "first":
	default:
		return fmt.Errorf("dispatch.selection must be round_robin or first, got %q", c.Dispatch.Selection)
	}

	switch c.Agents.DuplicatePolicy {
	case "replace", "reject":
	default:
		return fmt.Errorf("agents.duplicate_policy must be replace or reject, got %q", c.Agents.DuplicatePolicy)
	}

	if c.Agents.HeartbeatTimeout < 0 {
		return fmt.Errorf("agents.heartbeat_timeout must not be negative")
	}

	if c.Scheduler.Workers < 0 || c.Scheduler.QueueSize < 0 {
		return fmt.Errorf("scheduler.workers and scheduler.queue_size must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"interactive_timeout", cfg.Dispatch.InteractiveTimeoutRaw, &cfg.Dispatch.InteractiveTimeout},
		{"scheduled_timeout", cfg.Dispatch.ScheduledTimeoutRaw, &cfg.Dispatch.ScheduledTimeout},
		{"heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"sweep_interval", cfg.Agents.SweepIntervalRaw, &cfg.Agents.SweepInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
