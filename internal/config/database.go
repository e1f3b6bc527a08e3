package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
)

// Supported database drivers.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// tlsConfigName is the name custom TLS configs are registered under with the
// MySQL driver.
const tlsConfigName = "entityql-custom"

func normalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "mysql", "tidb":
		return DriverMySQL
	case "postgres", "postgresql", "pgx":
		return DriverPostgres
	default:
		return strings.ToLower(strings.TrimSpace(driver))
	}
}

// DriverName returns the database/sql driver to open.
func (d *DatabaseConfig) DriverName() string {
	if normalizeDriver(d.Driver) == DriverPostgres {
		return "pgx"
	}
	return "mysql"
}

// DSN returns the data source name for the configured driver.
func (d *DatabaseConfig) DSN() (string, error) {
	if normalizeDriver(d.Driver) == DriverPostgres {
		return d.postgresDSN()
	}
	return d.mysqlDSN()
}

func (d *DatabaseConfig) mysqlDSN() (string, error) {
	cfg := mysql.NewConfig()
	if d.ConnectionString != "" {
		parsed, err := mysql.ParseDSN(d.ConnectionString)
		if err != nil {
			return "", fmt.Errorf("invalid mysql dsn: %w", err)
		}
		cfg = parsed
	} else {
		cfg.User = d.User
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		cfg.DBName = d.Database
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.TLSConfig == "" {
		cfg.TLSConfig = d.mysqlTLSParam()
	}
	return cfg.FormatDSN(), nil
}

func (d *DatabaseConfig) mysqlTLSParam() string {
	switch d.TLS.Mode {
	case "off":
		return "false"
	case "skip-verify":
		return "skip-verify"
	case "verify-ca", "verify-full":
		return tlsConfigName
	default:
		return ""
	}
}

func (d *DatabaseConfig) postgresDSN() (string, error) {
	if d.ConnectionString != "" {
		if _, err := pgx.ParseConfig(d.ConnectionString); err != nil {
			return "", fmt.Errorf("invalid postgres dsn: %w", err)
		}
		return d.ConnectionString, nil
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Database,
	}
	q := url.Values{}
	switch d.TLS.Mode {
	case "off":
		q.Set("sslmode", "disable")
	case "skip-verify":
		q.Set("sslmode", "require")
	case "verify-ca", "verify-full":
		q.Set("sslmode", d.TLS.Mode)
	}
	if d.TLS.CAFile != "" {
		q.Set("sslrootcert", d.TLS.CAFile)
	}
	if d.TLS.CertFile != "" {
		q.Set("sslcert", d.TLS.CertFile)
	}
	if d.TLS.KeyFile != "" {
		q.Set("sslkey", d.TLS.KeyFile)
	}
	u.RawQuery = q.Encode()

	dsn := u.String()
	if _, err := pgx.ParseConfig(dsn); err != nil {
		return "", fmt.Errorf("invalid postgres connection settings: %w", err)
	}
	return dsn, nil
}

// RegisterTLS registers a custom TLS configuration with the MySQL driver.
// PostgreSQL reads certificate paths from the DSN instead.
func (d *DatabaseConfig) RegisterTLS() error {
	if normalizeDriver(d.Driver) != DriverMySQL {
		return nil
	}
	if d.TLS.Mode != "verify-ca" && d.TLS.Mode != "verify-full" {
		return nil
	}
	tlsCfg, err := d.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("failed to build TLS config: %w", err)
	}
	if err := mysql.RegisterTLSConfig(tlsConfigName, tlsCfg); err != nil {
		return fmt.Errorf("failed to register TLS config: %w", err)
	}
	return nil
}

func (d *DatabaseConfig) buildTLSConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if d.TLS.CAFile != "" {
		caCert, err := os.ReadFile(d.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %q: %w", d.TLS.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %q", d.TLS.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	switch {
	case d.TLS.CertFile != "" && d.TLS.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(d.TLS.CertFile, d.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	case d.TLS.CertFile != "" || d.TLS.KeyFile != "":
		return nil, fmt.Errorf("both cert_file and key_file must be specified for client certificate authentication")
	}

	if d.TLS.Mode == "verify-full" && d.TLS.ServerName != "" {
		tlsCfg.ServerName = d.TLS.ServerName
	}
	return tlsCfg, nil
}
