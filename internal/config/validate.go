package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
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
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) fail(field, message, hint string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Hint: hint})
}

func (r *ValidationResult) warn(field, message, hint string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: message, Hint: hint})
}

// Validate checks the configuration and returns fatal errors and warnings.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}
	c.Database.validate(result)
	c.Server.validate(result)
	c.Observability.validate(result)

	if strings.TrimSpace(c.Schema.File) == "" {
		result.fail("schema.file", "entity schema file is required", "point schema.file at an entities YAML file")
	} else if _, err := os.Stat(c.Schema.File); err != nil {
		result.fail("schema.file", fmt.Sprintf("cannot read %q: %v", c.Schema.File, err), "")
	}
	if c.Authz.PolicyFile != "" {
		if _, err := os.Stat(c.Authz.PolicyFile); err != nil {
			result.fail("authz.policy_file", fmt.Sprintf("cannot read %q: %v", c.Authz.PolicyFile, err),
				"leave authz.policy_file empty to use the built-in policy")
		}
	}
	return result
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	switch normalizeDriver(d.Driver) {
	case DriverMySQL, DriverPostgres:
	default:
		result.fail("database.driver", fmt.Sprintf("unsupported driver %q", d.Driver), "valid values are: mysql, postgres")
		return
	}

	if d.ConnectionString == "" && (d.Port < 1 || d.Port > 65535) {
		result.fail("database.port", fmt.Sprintf("port %d is out of valid range (1-65535)", d.Port), "")
	}

	validModes := map[string]bool{"": true, "off": true, "skip-verify": true, "verify-ca": true, "verify-full": true}
	if !validModes[d.TLS.Mode] {
		result.fail("database.tls.mode", fmt.Sprintf("invalid TLS mode %q", d.TLS.Mode),
			"valid values are: off, skip-verify, verify-ca, verify-full")
	}
	if (d.TLS.CertFile == "") != (d.TLS.KeyFile == "") {
		result.fail("database.tls.cert_file", "cert_file and key_file must be set together", "")
	}
	if d.TLS.Mode == "verify-ca" && d.TLS.CAFile == "" {
		result.warn("database.tls.ca_file", "verify-ca without ca_file uses the system roots", "")
	}

	if d.Pool.MaxOpen < 0 {
		result.fail("database.pool.max_open", "max_open cannot be negative", "")
	}
	if d.Pool.MaxIdle < 0 {
		result.fail("database.pool.max_idle", "max_idle cannot be negative", "")
	}
	if d.Pool.MaxIdle > d.Pool.MaxOpen && d.Pool.MaxOpen > 0 {
		result.warn("database.pool.max_idle", "max_idle is greater than max_open", "idle connections will be limited to max_open")
	}

	if d.ConnectionTimeout < 0 {
		result.fail("database.connection_timeout", "connection_timeout cannot be negative", "")
	}
	if d.ConnectionRetryInterval < 0 {
		result.fail("database.connection_retry_interval", "connection_retry_interval cannot be negative", "")
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval == 0 {
		result.fail("database.connection_retry_interval",
			"connection_retry_interval must be greater than 0 when connection_timeout is set",
			"set a retry interval such as 2s, or set connection_timeout to 0 to disable retries")
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval > d.ConnectionTimeout {
		result.warn("database.connection_retry_interval", "connection_retry_interval is greater than connection_timeout",
			"only one connection attempt will be made")
	}

	if _, err := d.DSN(); err != nil {
		result.fail("database.dsn", err.Error(), "check database.dsn or the discrete connection fields")
	}
}

func (s *ServerConfig) validate(result *ValidationResult) {
	if s.Port < 1 || s.Port > 65535 {
		result.fail("server.port", fmt.Sprintf("port %d is out of valid range (1-65535)", s.Port), "")
	}
	if s.MaxResults < 1 {
		result.fail("server.max_results", "max_results must be greater than 0", "")
	}
	if s.ExposeInternalErrors {
		result.warn("server.expose_internal_errors", "internal errors are returned to clients",
			"disable server.expose_internal_errors outside development")
	}

	if s.RateLimitEnabled {
		if s.RateLimitRPS <= 0 {
			result.fail("server.rate_limit_rps", "rate_limit_rps must be greater than 0 when rate limiting is enabled", "")
		}
		if s.RateLimitBurst <= 0 {
			result.fail("server.rate_limit_burst", "rate_limit_burst must be greater than 0 when rate limiting is enabled", "")
		}
	} else if s.RateLimitRPS > 0 || s.RateLimitBurst > 0 {
		result.warn("server.rate_limit_enabled", "rate limit values are set but rate limiting is disabled",
			"enable server.rate_limit_enabled to apply rate limits")
	}

	if s.CORSEnabled {
		if len(s.CORSAllowedOrigins) == 0 {
			result.fail("server.cors_allowed_origins", "CORS enabled but no allowed origins configured",
				"set cors_allowed_origins or disable CORS")
		}
		for _, origin := range s.CORSAllowedOrigins {
			if strings.TrimSpace(origin) != "*" {
				continue
			}
			if s.CORSAllowCredentials {
				result.fail("server.cors_allowed_origins", "wildcard origin (*) cannot be used with credentials",
					"use specific origins with credentials, or wildcard without credentials")
			} else {
				result.warn("server.cors_allowed_origins", "CORS wildcard origin enabled",
					"use specific origins in production for better security")
			}
			break
		}
	}

	if s.Auth.OIDCEnabled {
		if s.Auth.OIDCIssuerURL == "" {
			result.fail("server.auth.oidc_issuer_url", "issuer URL is required when OIDC is enabled", "")
		}
		if s.Auth.OIDCAudience == "" {
			result.fail("server.auth.oidc_audience", "audience is required when OIDC is enabled", "")
		}
		if s.Auth.OIDCCAFile != "" {
			if _, err := os.Stat(s.Auth.OIDCCAFile); err != nil {
				result.fail("server.auth.oidc_ca_file", fmt.Sprintf("cannot read %q: %v", s.Auth.OIDCCAFile, err), "")
			}
		}
	}
	if s.Auth.JWTSecret != "" && len(s.Auth.JWTSecret) < 32 {
		result.fail("server.auth.jwt_secret", "jwt_secret must be at least 32 bytes", "generate one with: openssl rand -hex 32")
	}
	if !s.Auth.Enabled() {
		result.warn("server.auth", "no token verifier configured; every request is anonymous and denied by policy",
			"enable server.auth.oidc_enabled or set server.auth.jwt_secret")
	}

	switch s.EffectiveTLSMode() {
	case "off", "selfsigned":
	case "file":
		if s.TLSCertFile == "" || s.TLSKeyFile == "" {
			result.fail("server.tls_cert_file", "tls_cert_file and tls_key_file are required when tls_mode=file", "")
		}
	default:
		result.fail("server.tls_mode", fmt.Sprintf("invalid TLS mode %q", s.TLSMode), "valid values are: off, file, selfsigned")
	}
	if s.EffectiveTLSMode() == "off" && (s.TLSCertFile == "") != (s.TLSKeyFile == "") {
		result.fail("server.tls_cert_file", "tls_cert_file and tls_key_file must be set together", "")
	}
	if s.EffectiveTLSMode() == "selfsigned" {
		result.warn("server.tls_mode", "self-signed certificates are for development only", "")
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.fail("observability.logging.level", fmt.Sprintf("invalid log level %q", o.Logging.Level),
			"valid values are: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[o.Logging.Format] {
		result.fail("observability.logging.format", fmt.Sprintf("invalid log format %q", o.Logging.Format),
			"valid values are: json, text")
	}
	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.fail("observability.trace_sample_ratio", "trace_sample_ratio must be between 0 and 1", "")
	}

	o.OTLP.validate("observability.otlp", result)
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
		result.fail(prefix+".protocol", fmt.Sprintf("invalid OTLP protocol %q", o.Protocol),
			"valid values are: grpc, http/protobuf")
	}
	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		result.fail(prefix+".endpoint", fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint),
			"use host:port or a full URL")
	}
	validCompressions := map[string]bool{"": true, "none": true, "gzip": true}
	if !validCompressions[o.Compression] {
		result.fail(prefix+".compression", fmt.Sprintf("invalid OTLP compression %q", o.Compression),
			"valid values are: none, gzip")
	}
	if o.RetryMaxAttempts < 0 {
		result.fail(prefix+".retry_max_attempts", "retry_max_attempts cannot be negative", "")
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
