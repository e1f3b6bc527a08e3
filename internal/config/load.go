package config

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

// EnvPrefix prefixes every environment variable, e.g. EQL_DATABASE_HOST.
const EnvPrefix = "EQL"

// NewFlagSet defines every configuration flag using canonical snake_case keys.
// Callers may add their own flags before passing it to Load.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)

	fs.String("database.driver", "", "Database driver (mysql, postgres)")
	fs.String("database.dsn", "", "Complete driver DSN")
	fs.String("database.dsn_file", "", "Path to file containing database DSN (use @- for stdin)")
	fs.String("database.host", "", "Database host")
	fs.Int("database.port", 0, "Database port")
	fs.String("database.user", "", "Database user")
	fs.String("database.password", "", "Database password")
	fs.String("database.password_file", "", "Path to file containing database password (use @- for stdin)")
	fs.Bool("database.password_prompt", false, "Prompt for database password securely")
	fs.String("database.database", "", "Database name")
	fs.String("database.tls.mode", "", "TLS mode (off, skip-verify, verify-ca, verify-full)")
	fs.String("database.tls.ca_file", "", "Path to CA certificate for server verification")
	fs.String("database.tls.cert_file", "", "Path to client certificate for mTLS")
	fs.String("database.tls.key_file", "", "Path to client private key for mTLS")
	fs.String("database.tls.server_name", "", "Override TLS server name for verification")
	fs.Int("database.pool.max_open", 0, "Maximum open database connections")
	fs.Int("database.pool.max_idle", 0, "Maximum idle connections in pool")
	fs.Duration("database.pool.max_lifetime", 0, "Connection max lifetime (e.g. 5m, 30s)")
	fs.Duration("database.connection_timeout", 0, "Max time to wait for database on startup (0 = fail immediately)")
	fs.Duration("database.connection_retry_interval", 0, "Initial interval between connection retries")

	fs.String("schema.file", "", "Path to the entity schema file")
	fs.String("authz.policy_file", "", "Path to the authorization policy file (default: built-in policy)")

	fs.Int("server.port", 0, "HTTP server port")
	fs.Int("server.max_results", 0, "Maximum rows per list or connection page")
	fs.Bool("server.expose_internal_errors", false, "Return unexpected resolver errors verbatim (dev only)")
	fs.Bool("server.graphiql_enabled", false, "Enable GraphiQL UI for /graphql (dev only)")
	fs.Bool("server.auth.oidc_enabled", false, "Enable OIDC/JWKS authentication")
	fs.String("server.auth.oidc_issuer_url", "", "OIDC issuer URL (for discovery and JWKS)")
	fs.String("server.auth.oidc_audience", "", "Expected JWT audience (client ID)")
	fs.Duration("server.auth.oidc_clock_skew", 0, "Allowed JWT clock skew (e.g. 2m)")
	fs.Bool("server.auth.oidc_skip_tls_verify", false, "Skip TLS verification for OIDC provider (dev only)")
	fs.String("server.auth.oidc_ca_file", "", "PEM CA bundle trusted for the OIDC issuer")
	fs.String("server.auth.jwt_secret", "", "Shared HS256 key for service tokens")
	fs.String("server.auth.jwt_secret_file", "", "Path to file containing the shared HS256 key (use @- for stdin)")
	fs.String("server.auth.jwt_issuer", "", "Expected issuer of shared-key tokens")
	fs.Bool("server.rate_limit_enabled", false, "Enable per-client rate limiting for all HTTP endpoints")
	fs.Float64("server.rate_limit_rps", 0, "Requests per second allowed per client address")
	fs.Int("server.rate_limit_burst", 0, "Burst size per client address")
	fs.Bool("server.cors_enabled", false, "Enable CORS (Cross-Origin Resource Sharing)")
	fs.StringSlice("server.cors_allowed_origins", nil, "Allowed CORS origins (comma-separated or repeated)")
	fs.StringSlice("server.cors_allowed_methods", nil, "Allowed CORS methods (comma-separated or repeated)")
	fs.StringSlice("server.cors_allowed_headers", nil, "Allowed CORS headers (comma-separated or repeated)")
	fs.StringSlice("server.cors_expose_headers", nil, "CORS headers to expose to browser (comma-separated or repeated)")
	fs.Bool("server.cors_allow_credentials", false, "Allow credentials in CORS requests")
	fs.Int("server.cors_max_age", 0, "CORS preflight cache duration (seconds)")
	fs.Duration("server.read_timeout", 0, "HTTP server read timeout")
	fs.Duration("server.write_timeout", 0, "HTTP server write timeout")
	fs.Duration("server.idle_timeout", 0, "HTTP server idle timeout")
	fs.Duration("server.shutdown_timeout", 0, "HTTP server graceful shutdown timeout")
	fs.Duration("server.health_check_timeout", 0, "Health check timeout")
	fs.String("server.tls_mode", "", "TLS certificate source (off, file, selfsigned)")
	fs.String("server.tls_cert_file", "", "Path to TLS certificate file")
	fs.String("server.tls_key_file", "", "Path to TLS private key file")
	fs.String("server.tls_self_signed_dir", "", "Directory for the generated development certificate")
	fs.StringSlice("server.tls_self_signed_hosts", nil, "Hosts covered by the generated development certificate")

	fs.String("observability.service_name", "", "Service name for observability")
	fs.String("observability.service_version", "", "Service version for observability")
	fs.String("observability.environment", "", "Environment name (dev, staging, prod)")
	fs.Bool("observability.metrics_enabled", false, "Enable metrics collection")
	fs.Bool("observability.tracing_enabled", false, "Enable distributed tracing")
	fs.Float64("observability.trace_sample_ratio", 0, "Trace sampling ratio from 0.0 to 1.0")
	fs.Bool("observability.sqlcommenter_enabled", false, "Inject trace context into SQL queries")
	fs.String("observability.logging.level", "", "Log level (debug, info, warn, error)")
	fs.String("observability.logging.format", "", "Log format (json, text)")
	fs.Bool("observability.logging.exports_enabled", false, "Enable OTLP log export")
	fs.String("observability.otlp.endpoint", "", "OTLP endpoint for all signals (e.g., localhost:4317)")
	fs.String("observability.otlp.protocol", "", "OTLP protocol for all signals (grpc, http/protobuf)")
	fs.Bool("observability.otlp.insecure", false, "Use insecure connection (no TLS)")
	fs.Duration("observability.otlp.timeout", 0, "OTLP export timeout")
	fs.String("observability.otlp.compression", "", "OTLP compression (none, gzip)")

	fs.StringP("config", "c", "", "Config file path")
	return fs
}

// Load parses args into fs and loads configuration with the following
// precedence:
// 1. Command line flags
// 2. Environment variables
// 3. Config file
// 4. Default values
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	cfgPath, _ := fs.GetString("config")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("entityql")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/entityql/")
		v.AddConfigPath("$HOME/.entityql")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if cfgPath != "" {
			return nil, fmt.Errorf("failed to read config file %q: %w", cfgPath, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	bindChangedFlagsToViper(fs, v)
	if err := validateSingleStdinFileSource(v); err != nil {
		return nil, err
	}

	if err := resolveSecretFile(v, "database.dsn", "database.dsn_file"); err != nil {
		return nil, fmt.Errorf("failed to read database DSN file: %w", err)
	}
	if err := resolveSecretFile(v, "database.password", "database.password_file"); err != nil {
		return nil, fmt.Errorf("failed to read database password file: %w", err)
	}
	if v.GetString("database.password") == "" && v.GetBool("database.password_prompt") {
		pwd, err := promptPassword()
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		v.Set("database.password", pwd)
	}
	if err := resolveSecretFile(v, "server.auth.jwt_secret", "server.auth.jwt_secret_file"); err != nil {
		return nil, fmt.Errorf("failed to read jwt secret file: %w", err)
	}

	// The default port follows the driver unless one was configured.
	if !v.IsSet("database.port") || v.GetInt("database.port") == 0 {
		v.Set("database.port", defaultPort(v.GetString("database.driver")))
	}

	var cfg Config
	if err := v.UnmarshalExact(
		&cfg,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				stringToStringSliceHookFunc(","),
			),
		),
	); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// bindChangedFlagsToViper copies only explicitly-set flags into Viper,
// preserving precedence: flags > env > file > defaults.
func bindChangedFlagsToViper(fs *pflag.FlagSet, v *viper.Viper) {
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "version" {
			return
		}
		switch f.Value.Type() {
		case "string":
			val, _ := fs.GetString(f.Name)
			v.Set(f.Name, val)
		case "int":
			val, _ := fs.GetInt(f.Name)
			v.Set(f.Name, val)
		case "bool":
			val, _ := fs.GetBool(f.Name)
			v.Set(f.Name, val)
		case "float64":
			val, _ := fs.GetFloat64(f.Name)
			v.Set(f.Name, val)
		case "duration":
			val, _ := fs.GetDuration(f.Name)
			v.Set(f.Name, val)
		case "stringSlice":
			val, _ := fs.GetStringSlice(f.Name)
			v.Set(f.Name, val)
		default:
			v.Set(f.Name, f.Value.String())
		}
	})
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.dsn_file", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 0)
	v.SetDefault("database.user", "entityql")
	v.SetDefault("database.password", "")
	v.SetDefault("database.password_file", "")
	v.SetDefault("database.password_prompt", false)
	v.SetDefault("database.database", "entityql")
	v.SetDefault("database.tls.mode", "")
	v.SetDefault("database.tls.ca_file", "")
	v.SetDefault("database.tls.cert_file", "")
	v.SetDefault("database.tls.key_file", "")
	v.SetDefault("database.tls.server_name", "")
	v.SetDefault("database.pool.max_open", 25)
	v.SetDefault("database.pool.max_idle", 5)
	v.SetDefault("database.pool.max_lifetime", 5*time.Minute)
	v.SetDefault("database.connection_timeout", 60*time.Second)
	v.SetDefault("database.connection_retry_interval", 2*time.Second)

	v.SetDefault("schema.file", "entities.yaml")
	v.SetDefault("authz.policy_file", "")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_results", 10000)
	v.SetDefault("server.expose_internal_errors", false)
	v.SetDefault("server.graphiql_enabled", false)
	v.SetDefault("server.auth.oidc_enabled", false)
	v.SetDefault("server.auth.oidc_issuer_url", "")
	v.SetDefault("server.auth.oidc_audience", "")
	v.SetDefault("server.auth.oidc_clock_skew", 2*time.Minute)
	v.SetDefault("server.auth.oidc_skip_tls_verify", false)
	v.SetDefault("server.auth.oidc_ca_file", "")
	v.SetDefault("server.auth.jwt_secret", "")
	v.SetDefault("server.auth.jwt_secret_file", "")
	v.SetDefault("server.auth.jwt_issuer", "")
	v.SetDefault("server.rate_limit_enabled", false)
	v.SetDefault("server.rate_limit_rps", 0.0)
	v.SetDefault("server.rate_limit_burst", 0)
	v.SetDefault("server.cors_enabled", false)
	v.SetDefault("server.cors_allowed_origins", []string{})
	v.SetDefault("server.cors_allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("server.cors_allowed_headers", []string{"Content-Type", "Authorization"})
	v.SetDefault("server.cors_expose_headers", []string{})
	v.SetDefault("server.cors_allow_credentials", false)
	v.SetDefault("server.cors_max_age", 86400)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.health_check_timeout", 2*time.Second)
	v.SetDefault("server.tls_mode", "")
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")
	v.SetDefault("server.tls_self_signed_dir", ".tls")
	v.SetDefault("server.tls_self_signed_hosts", []string{"localhost", "127.0.0.1", "::1"})

	v.SetDefault("observability.service_name", "entityql")
	v.SetDefault("observability.service_version", "")
	v.SetDefault("observability.environment", "development")
	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.trace_sample_ratio", 1.0)
	v.SetDefault("observability.sqlcommenter_enabled", true)
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.exports_enabled", false)
	v.SetDefault("observability.otlp.endpoint", "localhost:4317")
	v.SetDefault("observability.otlp.protocol", "grpc")
	v.SetDefault("observability.otlp.insecure", false)
	v.SetDefault("observability.otlp.tls_cert_file", "")
	v.SetDefault("observability.otlp.tls_client_cert_file", "")
	v.SetDefault("observability.otlp.tls_client_key_file", "")
	v.SetDefault("observability.otlp.timeout", 10*time.Second)
	v.SetDefault("observability.otlp.compression", "gzip")
	v.SetDefault("observability.otlp.retry_enabled", true)
	v.SetDefault("observability.otlp.retry_max_attempts", 3)
}

func defaultPort(driver string) int {
	if normalizeDriver(driver) == DriverPostgres {
		return 5432
	}
	return 4000
}

// resolveSecretFile fills key from the file named by fileKey when key is unset.
func resolveSecretFile(v *viper.Viper, key, fileKey string) error {
	if v.GetString(key) != "" || v.GetString(fileKey) == "" {
		return nil
	}
	path := v.GetString(fileKey)
	secret, err := readSecretFile(path)
	if err != nil {
		return err
	}
	if secret == "" {
		return fmt.Errorf("%q is empty", path)
	}
	v.Set(key, secret)
	return nil
}

func promptPassword() (string, error) {
	fmt.Print("Enter database password: ")
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(bytePassword), nil
}

// readSecretFile reads a trimmed secret from path, or from stdin for "@-".
func readSecretFile(path string) (string, error) {
	var data []byte
	var err error
	if path == "@-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func validateSingleStdinFileSource(v *viper.Viper) error {
	stdinBackedKeys := []string{
		"database.dsn_file",
		"database.password_file",
		"server.auth.jwt_secret_file",
	}
	var configured []string
	for _, key := range stdinBackedKeys {
		if strings.TrimSpace(v.GetString(key)) == "@-" {
			configured = append(configured, key)
		}
	}
	if len(configured) > 1 {
		return fmt.Errorf(
			"multiple stdin-backed file settings use @- (%s); only one @- source is allowed",
			strings.Join(configured, ", "),
		)
	}
	return nil
}

func stringToStringSliceHookFunc(sep string) mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to != reflect.TypeOf([]string{}) {
			return data, nil
		}
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return []string{}, nil
		}
		parts := strings.Split(raw, sep)
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
}
