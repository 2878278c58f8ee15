package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"lazybatch/internal/schema"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues).
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}

	c.Database.validate(result)
	c.Server.validate(result)
	c.Resolver.validate(result)
	c.Schema.validate(c.Database.Driver, result)
	c.Observability.validate(result)

	return result
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	if d.Driver != DriverMySQL && d.Driver != DriverPostgres {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.driver",
			Message: fmt.Sprintf("unsupported driver %q", d.Driver),
			Hint:    "valid values are: mysql, postgres",
		})
		return
	}

	if strings.TrimSpace(d.DSN) != "" && strings.TrimSpace(d.DSNFile) != "" {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "database.dsn_file",
			Message: "dsn_file is ignored because dsn is set",
		})
	}

	// Port range validation (only if not using a DSN)
	if d.DSN == "" && (d.Port < 1 || d.Port > 65535) {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("port %d is out of valid range (1-65535)", d.Port),
		})
	}

	if _, err := d.ConnectionString(); err != nil {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.dsn",
			Message: err.Error(),
		})
	} else if name, err := d.DatabaseName(); err == nil && name == "" {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.database",
			Message: "no database name configured",
			Hint:    "set database.database or include /<database> in database.dsn",
		})
	}

	// Connection pool validation
	if d.Pool.MaxOpen < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.pool.max_open",
			Message: "max_open cannot be negative",
		})
	}
	if d.Pool.MaxIdle < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.pool.max_idle",
			Message: "max_idle cannot be negative",
		})
	}
	if d.Pool.MaxOpen > 0 && d.Pool.MaxIdle > d.Pool.MaxOpen {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "database.pool.max_idle",
			Message: fmt.Sprintf("max_idle (%d) exceeds max_open (%d)", d.Pool.MaxIdle, d.Pool.MaxOpen),
			Hint:    "idle connections are capped at max_open",
		})
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval <= 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "database.connection_retry_interval",
			Message: "connection_retry_interval must be positive when connection_timeout is set",
		})
	}
}

func (s *ServerConfig) validate(result *ValidationResult) {
	// Port range validation
	if s.Port < 1 || s.Port > 65535 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port %d is out of valid range (1-65535)", s.Port),
		})
	}

	// Rate limit validation
	if s.RateLimit.Enabled {
		if s.RateLimit.RPS <= 0 {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "server.rate_limit.rps",
				Message: "rps must be greater than 0 when rate limiting is enabled",
			})
		}
		if s.RateLimit.Burst <= 0 {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "server.rate_limit.burst",
				Message: "burst must be greater than 0 when rate limiting is enabled",
			})
		}
	}
	if !s.RateLimit.Enabled && (s.RateLimit.RPS > 0 || s.RateLimit.Burst > 0) {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "server.rate_limit.enabled",
			Message: "rate limit values are set but rate limiting is disabled",
			Hint:    "enable server.rate_limit.enabled to apply rate limits",
		})
	}

	if s.CORS.Enabled && len(s.CORS.AllowedOrigins) == 0 {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "server.cors.allowed_origins",
			Message: "CORS is enabled but no origins are allowed",
		})
	}

	if s.ShutdownTimeout < 0 || s.ReadTimeout < 0 || s.WriteTimeout < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "server",
			Message: "timeouts cannot be negative",
		})
	}
}

// reservedPrefix marks the planner's generated column aliases.
const reservedPrefix = "__"

// maxPlaceholders is the MySQL prepared statement placeholder limit.
const maxPlaceholders = 65535

func (r *ResolverConfig) validate(result *ValidationResult) {
	if r.MaxBatchWidth <= 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "resolver.max_batch_width",
			Message: "max_batch_width must be greater than 0",
		})
	} else if r.MaxBatchWidth > maxPlaceholders {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "resolver.max_batch_width",
			Message: fmt.Sprintf("max_batch_width %d exceeds the placeholder limit %d", r.MaxBatchWidth, maxPlaceholders),
		})
	} else if r.MaxBatchWidth > 5000 {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:   "resolver.max_batch_width",
			Message: fmt.Sprintf("max_batch_width %d produces very large IN lists", r.MaxBatchWidth),
			Hint:    "widths between 100 and 1000 usually plan best",
		})
	}

	if r.DefaultLimit < 0 || r.MaxLimit < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "resolver.default_limit",
			Message: "limits cannot be negative",
		})
	}
	if r.MaxLimit > 0 && r.DefaultLimit > r.MaxLimit {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "resolver.default_limit",
			Message: fmt.Sprintf("default_limit (%d) exceeds max_limit (%d)", r.DefaultLimit, r.MaxLimit),
		})
	}

	if r.ResultCache.Enabled {
		if r.ResultCache.TTL <= 0 {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "resolver.result_cache.ttl",
				Message: "ttl must be positive when the result cache is enabled",
			})
		}
		if r.ResultCache.MaxSizeBytes <= 0 && r.ResultCache.MaxEntries <= 0 {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Field:   "resolver.result_cache.max_size_bytes",
				Message: "result cache is unbounded",
				Hint:    "set max_size_bytes or max_entries",
			})
		}
	}
}

func (s *SchemaConfig) validate(driver string, result *ValidationResult) {
	if !s.Introspect && s.Definitions.IsZero() {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "schema.definitions",
			Message: "introspection is disabled and no types are declared",
			Hint:    "enable schema.introspect or declare schema.definitions",
		})
	}
	if s.Introspect && driver == DriverPostgres {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "schema.introspect",
			Message: "introspection reads MySQL-compatible INFORMATION_SCHEMA only",
			Hint:    "disable schema.introspect and declare schema.definitions for postgres",
		})
	}

	for _, ad := range s.Definitions.Associations {
		if _, err := ad.Association(); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "schema.definitions.associations",
				Message: err.Error(),
			})
			continue
		}
		if strings.HasPrefix(ad.Name, reservedPrefix) {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "schema.definitions.associations",
				Message: fmt.Sprintf("association %s.%s uses the reserved prefix %q", ad.Owner, ad.Name, reservedPrefix),
			})
		}
	}
	if !s.Introspect && !s.Definitions.IsZero() {
		reg := schema.NewRegistry()
		if err := s.Definitions.Apply(reg); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "schema.definitions",
				Message: err.Error(),
			})
		}
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	// Log level validation
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.logging.level",
			Message: fmt.Sprintf("invalid log level %q", o.Logging.Level),
			Hint:    "valid values are: debug, info, warn, error",
		})
	}

	// Log format validation
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[o.Logging.Format] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.logging.format",
			Message: fmt.Sprintf("invalid log format %q", o.Logging.Format),
			Hint:    "valid values are: json, text",
		})
	}

	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   "observability.trace_sample_ratio",
			Message: fmt.Sprintf("trace_sample_ratio %v must be between 0 and 1", o.TraceSampleRatio),
		})
	}

	// OTLP protocol validation
	o.OTLP.validate("observability.otlp", result)

	// Signal-specific OTLP validation
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	validProtocols := map[string]bool{"": true, "grpc": true, "http/protobuf": true}
	if !validProtocols[o.Protocol] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".protocol",
			Message: fmt.Sprintf("invalid OTLP protocol %q", o.Protocol),
			Hint:    "valid values are: grpc, http/protobuf",
		})
	}

	if o.Protocol == "http/protobuf" {
		if !validOTLPEndpoint(o.Endpoint) {
			result.Errors = append(result.Errors, ValidationError{
				Field:   prefix + ".endpoint",
				Message: fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint),
				Hint:    "use host:port or a full URL",
			})
		}
	}

	validCompressions := map[string]bool{"": true, "none": true, "gzip": true}
	if !validCompressions[o.Compression] {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".compression",
			Message: fmt.Sprintf("invalid OTLP compression %q", o.Compression),
			Hint:    "valid values are: none, gzip",
		})
	}

	if o.RetryMaxAttempts < 0 {
		result.Errors = append(result.Errors, ValidationError{
			Field:   prefix + ".retry_max_attempts",
			Message: "retry_max_attempts cannot be negative",
		})
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return false
		}
		return parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
