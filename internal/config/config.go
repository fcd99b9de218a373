// Package config handles YAML configuration loading with environment
// variable expansion and BACKEND_-prefixed environment overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Security    SecurityConfig    `yaml:"security"`
	Backup      BackupConfig      `yaml:"backup"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// SecurityConfig holds the secret seeding provider key encryption.
type SecurityConfig struct {
	APIKeySecret string `yaml:"api_key_secret"`
}

// BackupConfig holds snapshot settings.
type BackupConfig struct {
	File string `yaml:"file"`
}

// UpstreamConfig holds defaults for adapter calls.
type UpstreamConfig struct {
	RequestTimeoutSeconds float64 `yaml:"request_timeout_seconds"`
	MaxRetries            int     `yaml:"max_retries"`
}

// RequestTimeout returns the adapter timeout as a duration.
func (u UpstreamConfig) RequestTimeout() time.Duration {
	return time.Duration(u.RequestTimeoutSeconds * float64(time.Second))
}

// HealthCheckConfig controls the background health checker.
type HealthCheckConfig struct {
	Enabled          bool    `yaml:"enabled"`
	IntervalSeconds  float64 `yaml:"interval_seconds"`
	TimeoutSeconds   float64 `yaml:"timeout_seconds"`
	FailureThreshold int     `yaml:"failure_threshold"`
}

// Interval returns the sweep interval as a duration.
func (h HealthCheckConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds * float64(time.Second))
}

// Timeout returns the per-probe timeout as a duration.
func (h HealthCheckConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds * float64(time.Second))
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

// defaults returns a Config populated with the out-of-the-box settings.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "data/mellon.db",
		},
		Security: SecurityConfig{
			APIKeySecret: "change-me",
		},
		Backup: BackupConfig{
			File: "data/config_backup.json",
		},
		Upstream: UpstreamConfig{
			RequestTimeoutSeconds: 10.0,
			MaxRetries:            3,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:          true,
			IntervalSeconds:  60.0,
			TimeoutSeconds:   5.0,
			FailureThreshold: 3,
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// Load reads an optional YAML config file, expands ${VAR} references,
// applies BACKEND_* environment overrides, and validates the result.
// An empty path or a missing file yields defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env overrides
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// lookupEnv reads a BACKEND_-prefixed variable, accepting upper or lower case.
func lookupEnv(name string) (string, bool) {
	if v, ok := os.LookupEnv("BACKEND_" + strings.ToUpper(name)); ok {
		return v, true
	}
	if v, ok := os.LookupEnv("backend_" + strings.ToLower(name)); ok {
		return v, true
	}
	return "", false
}

// applyEnv overlays BACKEND_* environment variables onto the config.
// Environment values win over file values.
func (c *Config) applyEnv() {
	setStr := func(name string, dst *string) {
		if v, ok := lookupEnv(name); ok {
			*dst = v
		}
	}
	setFloat := func(name string, dst *float64) {
		if v, ok := lookupEnv(name); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setInt := func(name string, dst *int) {
		if v, ok := lookupEnv(name); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(name string, dst *bool) {
		if v, ok := lookupEnv(name); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setStr("ADDR", &c.Server.Addr)
	setStr("DATABASE_URL", &c.Database.DSN)
	setStr("API_KEY_SECRET", &c.Security.APIKeySecret)
	setStr("BACKUP_FILE", &c.Backup.File)
	setFloat("REQUEST_TIMEOUT_SECONDS", &c.Upstream.RequestTimeoutSeconds)
	setInt("MAX_RETRIES", &c.Upstream.MaxRetries)
	setBool("HEALTH_CHECK_ENABLED", &c.HealthCheck.Enabled)
	setFloat("HEALTH_CHECK_INTERVAL_SECONDS", &c.HealthCheck.IntervalSeconds)
	setFloat("HEALTH_CHECK_TIMEOUT_SECONDS", &c.HealthCheck.TimeoutSeconds)
	setInt("HEALTH_CHECK_FAILURE_THRESHOLD", &c.HealthCheck.FailureThreshold)
}

// validate enforces the configuration minimums.
func (c *Config) validate() error {
	if c.Upstream.RequestTimeoutSeconds < 0.1 {
		return fmt.Errorf("request_timeout_seconds must be at least 0.1, got %v", c.Upstream.RequestTimeoutSeconds)
	}
	if c.Upstream.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.Upstream.MaxRetries)
	}
	if c.HealthCheck.IntervalSeconds < 1.0 {
		return fmt.Errorf("health_check interval_seconds must be at least 1.0, got %v", c.HealthCheck.IntervalSeconds)
	}
	if c.HealthCheck.TimeoutSeconds < 0.1 {
		return fmt.Errorf("health_check timeout_seconds must be at least 0.1, got %v", c.HealthCheck.TimeoutSeconds)
	}
	if c.HealthCheck.FailureThreshold < 1 {
		return fmt.Errorf("health_check failure_threshold must be at least 1, got %d", c.HealthCheck.FailureThreshold)
	}
	return nil
}
