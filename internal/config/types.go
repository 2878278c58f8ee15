// Package config loads configuration from files, env vars, and flags, and validates it.
package config

import (
	"time"

	"lazybatch/internal/naming"
	"lazybatch/internal/schema"
)

// Config holds the application configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Server        ServerConfig        `mapstructure:"server"`
	Resolver      ResolverConfig      `mapstructure:"resolver"`
	Schema        SchemaConfig        `mapstructure:"schema"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// DatabaseConfig holds database connection parameters.
type DatabaseConfig struct {
	Driver                  string        `mapstructure:"driver"` // mysql or postgres
	DSN                     string        `mapstructure:"dsn"`
	DSNFile                 string        `mapstructure:"dsn_file"`
	Host                    string        `mapstructure:"host"`
	Port                    int           `mapstructure:"port"`
	User                    string        `mapstructure:"user"`
	Password                string        `mapstructure:"password"`
	PasswordFile            string        `mapstructure:"password_file"`
	PasswordPrompt          bool          `mapstructure:"password_prompt"`
	Database                string        `mapstructure:"database"`
	TLSMode                 string        `mapstructure:"tls_mode"`
	Pool                    PoolConfig    `mapstructure:"pool"`
	ConnectionTimeout       time.Duration `mapstructure:"connection_timeout"`
	ConnectionRetryInterval time.Duration `mapstructure:"connection_retry_interval"`
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port               int             `mapstructure:"port"`
	ReadTimeout        time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration   `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration   `mapstructure:"idle_timeout"`
	ShutdownTimeout    time.Duration   `mapstructure:"shutdown_timeout"`
	HealthCheckTimeout time.Duration   `mapstructure:"health_check_timeout"`
	RateLimit          RateLimitConfig `mapstructure:"rate_limit"`
	CORS               CORSConfig      `mapstructure:"cors"`
}

// RateLimitConfig configures the global request limiter.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// CORSConfig configures cross-origin access to the HTTP API.
type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	MaxAge         int      `mapstructure:"max_age"`
}

// ResolverConfig controls batching and result limits.
type ResolverConfig struct {
	MaxBatchWidth  int               `mapstructure:"max_batch_width"`
	DefaultLimit   int               `mapstructure:"default_limit"`
	MaxLimit       int               `mapstructure:"max_limit"`
	ExplainBatches bool              `mapstructure:"explain_batches"`
	ResultCache    ResultCacheConfig `mapstructure:"result_cache"`
}

// ResultCacheConfig configures the cache shared across units of work.
type ResultCacheConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TTL          time.Duration `mapstructure:"ttl"`
	MaxSizeBytes int64         `mapstructure:"max_size_bytes"`
	MaxEntries   int           `mapstructure:"max_entries"`
}

// SchemaConfig controls where types and associations come from.
type SchemaConfig struct {
	Introspect  bool               `mapstructure:"introspect"`
	Definitions schema.Definitions `mapstructure:"definitions"`
	Naming      naming.Config      `mapstructure:"naming"`
}

// LoggingConfig holds logging parameters.
type LoggingConfig struct {
	Level          string `mapstructure:"level"`           // debug, info, warn, error
	Format         string `mapstructure:"format"`          // json, text
	ExportsEnabled bool   `mapstructure:"exports_enabled"` // Enable OTLP log export
}

// ObservabilityConfig holds observability parameters.
type ObservabilityConfig struct {
	ServiceName         string        `mapstructure:"service_name"`
	ServiceVersion      string        `mapstructure:"service_version"`
	Environment         string        `mapstructure:"environment"`
	MetricsEnabled      bool          `mapstructure:"metrics_enabled"`
	TracingEnabled      bool          `mapstructure:"tracing_enabled"`
	TraceSampleRatio    float64       `mapstructure:"trace_sample_ratio"`
	SQLCommenterEnabled bool          `mapstructure:"sqlcommenter_enabled"`
	Logging             LoggingConfig `mapstructure:"logging"`

	// Global OTLP settings (defaults for all signals)
	OTLP OTLPConfig `mapstructure:"otlp"`

	// Signal-specific overrides (optional)
	Traces *OTLPConfig `mapstructure:"traces,omitempty"`
	Logs   *OTLPConfig `mapstructure:"logs,omitempty"`
}

// OTLPConfig holds OTLP exporter configuration
type OTLPConfig struct {
	Endpoint          string            `mapstructure:"endpoint"`
	Protocol          string            `mapstructure:"protocol"` // "grpc", "http/protobuf"
	Insecure          bool              `mapstructure:"insecure"`
	TLSCertFile       string            `mapstructure:"tls_cert_file"`
	TLSClientCertFile string            `mapstructure:"tls_client_cert_file"`
	TLSClientKeyFile  string            `mapstructure:"tls_client_key_file"`
	Headers           map[string]string `mapstructure:"headers"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	Compression       string            `mapstructure:"compression"` // "none", "gzip"
	RetryEnabled      bool              `mapstructure:"retry_enabled"`
	RetryMaxAttempts  int               `mapstructure:"retry_max_attempts"`
}

// GetTracesConfig returns the effective OTLP config for traces
func (c *ObservabilityConfig) GetTracesConfig() OTLPConfig {
	if c.Traces != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Traces)
	}
	return c.OTLP
}

// GetLogsConfig returns the effective OTLP config for logs
func (c *ObservabilityConfig) GetLogsConfig() OTLPConfig {
	if c.Logs != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Logs)
	}
	return c.OTLP
}

// mergeOTLPConfigs overlays the set fields of override on base.
func mergeOTLPConfigs(base OTLPConfig, override OTLPConfig) OTLPConfig {
	result := base
	if override.Endpoint != "" {
		result.Endpoint = override.Endpoint
	}
	if override.Protocol != "" {
		result.Protocol = override.Protocol
	}
	if override.Insecure {
		result.Insecure = true
	}
	if override.TLSCertFile != "" {
		result.TLSCertFile = override.TLSCertFile
	}
	if override.TLSClientCertFile != "" {
		result.TLSClientCertFile = override.TLSClientCertFile
	}
	if override.TLSClientKeyFile != "" {
		result.TLSClientKeyFile = override.TLSClientKeyFile
	}
	if len(override.Headers) > 0 {
		result.Headers = make(map[string]string, len(base.Headers)+len(override.Headers))
		for k, v := range base.Headers {
			result.Headers[k] = v
		}
		for k, v := range override.Headers {
			result.Headers[k] = v
		}
	}
	if override.Timeout > 0 {
		result.Timeout = override.Timeout
	}
	if override.Compression != "" {
		result.Compression = override.Compression
	}
	if override.RetryMaxAttempts > 0 {
		result.RetryMaxAttempts = override.RetryMaxAttempts
	}
	return result
}
