// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level manager configuration.
type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	Routing   RoutingConfig   `yaml:"routing"`
	Database  DatabaseConfig  `yaml:"database"`
	Usage     UsageConfig     `yaml:"usage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ProxyConfig holds the client-facing HTTP server settings.
type ProxyConfig struct {
	BindAddr        string        `yaml:"bind_addr"`
	APIKey          string        `yaml:"api_key"` // bearer token clients must present
	OpenAIBaseURL   string        `yaml:"openai_base_url"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RoutingConfig holds routing engine settings.
type RoutingConfig struct {
	Strategy             string `yaml:"strategy"` // least_utilized, round_robin, priority, sticky
	MinRequestIntervalMs int    `yaml:"min_request_interval_ms"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// UsageConfig holds usage poller settings.
type UsageConfig struct {
	PollEnabled   bool `yaml:"poll_enabled"`
	SnapshotsKept int  `yaml:"snapshots_kept"` // retained per account when pruning
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Proxy: ProxyConfig{
			BindAddr:        "127.0.0.1:8080",
			APIKey:          "sk-codex-manager",
			OpenAIBaseURL:   "https://api.openai.com",
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Routing: RoutingConfig{
			Strategy:             "least_utilized",
			MinRequestIntervalMs: 100,
		},
		Database: DatabaseConfig{
			DSN: "codexmgr.db",
		},
		Usage: UsageConfig{
			PollEnabled:   true,
			SnapshotsKept: 100,
		},
	}
}

// Load reads and parses a YAML config file, expanding environment
// variables. Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
