package config

import "time"

// Config holds the application configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Schema        SchemaConfig        `mapstructure:"schema"`
	Authz         AuthzConfig         `mapstructure:"authz"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// SchemaConfig locates the entity descriptors served over GraphQL.
type SchemaConfig struct {
	File string `mapstructure:"file"`
}

// AuthzConfig locates the authorization policy. An empty file selects the
// built-in project-role policy.
type AuthzConfig struct {
	PolicyFile string `mapstructure:"policy_file"`
}

// PoolConfig holds connection pool parameters.
type PoolConfig struct {
	MaxOpen     int           `mapstructure:"max_open"`
	MaxIdle     int           `mapstructure:"max_idle"`
	MaxLifetime time.Duration `mapstructure:"max_lifetime"`
}

// DatabaseTLSConfig holds TLS settings for database connections.
type DatabaseTLSConfig struct {
	// Mode is one of off, skip-verify, verify-ca or verify-full.
	Mode       string `mapstructure:"mode"`
	CAFile     string `mapstructure:"ca_file"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	ServerName string `mapstructure:"server_name"`
}

// DatabaseConfig holds database connection parameters.
type DatabaseConfig struct {
	// Driver is mysql (also TiDB) or postgres.
	Driver string `mapstructure:"driver"`

	// ConnectionString is a complete driver DSN. When set it overrides the
	// discrete fields.
	ConnectionString     string `mapstructure:"dsn"`
	ConnectionStringFile string `mapstructure:"dsn_file"`

	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	PasswordFile   string `mapstructure:"password_file"`
	PasswordPrompt bool   `mapstructure:"password_prompt"`
	Database       string `mapstructure:"database"`

	TLS  DatabaseTLSConfig `mapstructure:"tls"`
	Pool PoolConfig        `mapstructure:"pool"`

	// ConnectionTimeout is the max time to wait for the database on startup.
	ConnectionTimeout       time.Duration `mapstructure:"connection_timeout"`
	ConnectionRetryInterval time.Duration `mapstructure:"connection_retry_interval"`
}

// AuthConfig controls how bearer tokens become principals.
type AuthConfig struct {
	OIDCEnabled       bool          `mapstructure:"oidc_enabled"`
	OIDCIssuerURL     string        `mapstructure:"oidc_issuer_url"`
	OIDCAudience      string        `mapstructure:"oidc_audience"`
	OIDCClockSkew     time.Duration `mapstructure:"oidc_clock_skew"`
	OIDCSkipTLSVerify bool          `mapstructure:"oidc_skip_tls_verify"`
	OIDCCAFile        string        `mapstructure:"oidc_ca_file"`

	// JWTSecret enables HS256 tokens signed with a shared key, for service
	// callers and local development.
	JWTSecret     string `mapstructure:"jwt_secret"`
	JWTSecretFile string `mapstructure:"jwt_secret_file"`
	JWTIssuer     string `mapstructure:"jwt_issuer"`
}

// Enabled reports whether any token verifier is configured.
func (a AuthConfig) Enabled() bool {
	return a.OIDCEnabled || a.JWTSecret != ""
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// MaxResults caps list limits and connection page sizes.
	MaxResults int `mapstructure:"max_results"`
	// ExposeInternalErrors returns unexpected resolver errors verbatim. For
	// development only.
	ExposeInternalErrors bool `mapstructure:"expose_internal_errors"`
	GraphiQLEnabled      bool `mapstructure:"graphiql_enabled"`

	Auth AuthConfig `mapstructure:"auth"`

	RateLimitEnabled     bool     `mapstructure:"rate_limit_enabled"`
	RateLimitRPS         float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst       int      `mapstructure:"rate_limit_burst"`
	CORSEnabled          bool     `mapstructure:"cors_enabled"`
	CORSAllowedOrigins   []string `mapstructure:"cors_allowed_origins"`
	CORSAllowedMethods   []string `mapstructure:"cors_allowed_methods"`
	CORSAllowedHeaders   []string `mapstructure:"cors_allowed_headers"`
	CORSExposeHeaders    []string `mapstructure:"cors_expose_headers"`
	CORSAllowCredentials bool     `mapstructure:"cors_allow_credentials"`
	CORSMaxAge           int      `mapstructure:"cors_max_age"`

	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	HealthCheckTimeout time.Duration `mapstructure:"health_check_timeout"`

	// TLSMode is off, file or selfsigned. Empty selects file when a
	// certificate is configured.
	TLSMode            string   `mapstructure:"tls_mode"`
	TLSCertFile        string   `mapstructure:"tls_cert_file"`
	TLSKeyFile         string   `mapstructure:"tls_key_file"`
	TLSSelfSignedDir   string   `mapstructure:"tls_self_signed_dir"`
	TLSSelfSignedHosts []string `mapstructure:"tls_self_signed_hosts"`
}

// EffectiveTLSMode resolves an empty TLSMode.
func (s ServerConfig) EffectiveTLSMode() string {
	if s.TLSMode != "" {
		return s.TLSMode
	}
	if s.TLSCertFile != "" && s.TLSKeyFile != "" {
		return "file"
	}
	return "off"
}

// TLSEnabled reports whether the server listens with TLS.
func (s ServerConfig) TLSEnabled() bool {
	return s.EffectiveTLSMode() != "off"
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

	OTLP OTLPConfig `mapstructure:"otlp"`

	// Signal-specific overrides
	Traces *OTLPConfig `mapstructure:"traces,omitempty"`
	Logs   *OTLPConfig `mapstructure:"logs,omitempty"`
}

// OTLPConfig holds OTLP exporter configuration.
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

// GetTracesConfig returns the effective OTLP config for traces.
func (c *ObservabilityConfig) GetTracesConfig() OTLPConfig {
	if c.Traces != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Traces)
	}
	return c.OTLP
}

// GetLogsConfig returns the effective OTLP config for logs.
func (c *ObservabilityConfig) GetLogsConfig() OTLPConfig {
	if c.Logs != nil {
		return mergeOTLPConfigs(c.OTLP, *c.Logs)
	}
	return c.OTLP
}

// mergeOTLPConfigs lays non-zero signal settings over the global ones.
// Insecure always follows the override since a false value is indistinguishable
// from an unset one.
func mergeOTLPConfigs(base OTLPConfig, override OTLPConfig) OTLPConfig {
	result := base
	if override.Endpoint != "" {
		result.Endpoint = override.Endpoint
	}
	if override.Protocol != "" {
		result.Protocol = override.Protocol
	}
	result.Insecure = override.Insecure
	if override.TLSCertFile != "" {
		result.TLSCertFile = override.TLSCertFile
	}
	if override.TLSClientCertFile != "" {
		result.TLSClientCertFile = override.TLSClientCertFile
	}
	if override.TLSClientKeyFile != "" {
		result.TLSClientKeyFile = override.TLSClientKeyFile
	}
	if override.Headers != nil {
		result.Headers = make(map[string]string, len(base.Headers)+len(override.Headers))
		for k, v := range base.Headers {
			result.Headers[k] = v
		}
		for k, v := range override.Headers {
			result.Headers[k] = v
		}
	}
	if override.Timeout != 0 {
		result.Timeout = override.Timeout
	}
	if override.Compression != "" {
		result.Compression = override.Compression
	}
	if override.RetryMaxAttempts != 0 {
		result.RetryEnabled = override.RetryEnabled
		result.RetryMaxAttempts = override.RetryMaxAttempts
	}
	return result
}
