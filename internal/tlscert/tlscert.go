// Package tlscert supplies the serving certificate for the HTTPS listener,
// either from operator-managed files or from a generated development
// certificate.
package tlscert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"entityql/internal/logging"
)

// Mode selects where the serving certificate comes from.
type Mode string

const (
	ModeFile       Mode = "file"
	ModeSelfSigned Mode = "selfsigned"
)

// MinVersion is the lowest TLS version the server negotiates.
const MinVersion = tls.VersionTLS12

const (
	selfSignedCertName = "server.crt"
	selfSignedKeyName  = "server.key"
	selfSignedLifetime = 90 * 24 * time.Hour
	// renewBefore regenerates a development certificate close to expiry.
	renewBefore = 7 * 24 * time.Hour
)

// Config describes the certificate source.
type Config struct {
	Mode Mode

	CertFile string
	KeyFile  string

	SelfSignedDir   string
	SelfSignedHosts []string
}

// Source hands out the current serving certificate.
type Source struct {
	description string
	logger      *logging.Logger

	certFile string
	keyFile  string

	mu      sync.Mutex
	cert    *tls.Certificate
	modTime time.Time
}

// New validates cfg and loads the initial certificate.
func New(cfg Config, logger *logging.Logger) (*Source, error) {
	switch cfg.Mode {
	case ModeFile:
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.New("tls cert and key files are required in file mode")
		}
		if err := checkKeyPermissions(cfg.KeyFile); err != nil {
			return nil, err
		}
	case ModeSelfSigned:
		if cfg.SelfSignedDir == "" {
			return nil, errors.New("self-signed certificate directory is required")
		}
		hosts := cfg.SelfSignedHosts
		if len(hosts) == 0 {
			hosts = []string{"localhost", "127.0.0.1", "::1"}
		}
		certFile, keyFile, err := ensureSelfSigned(cfg.SelfSignedDir, hosts, logger)
		if err != nil {
			return nil, err
		}
		cfg.CertFile, cfg.KeyFile = certFile, keyFile
	default:
		return nil, fmt.Errorf("unsupported TLS mode %q (use file or selfsigned)", cfg.Mode)
	}

	s := &Source{
		description: fmt.Sprintf("%s (cert=%s)", cfg.Mode, cfg.CertFile),
		logger:      logger,
		certFile:    cfg.CertFile,
		keyFile:     cfg.KeyFile,
	}
	if _, err := s.current(); err != nil {
		return nil, err
	}
	return s, nil
}

// Description names the certificate source for startup logs.
func (s *Source) Description() string { return s.description }

// TLSConfig returns a server config that picks up rotated certificates.
func (s *Source) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: MinVersion,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return s.current()
		},
	}
}

// current reloads the key pair when the certificate file changed on disk. A
// failed reload keeps serving the previous certificate.
func (s *Source) current() (*tls.Certificate, error) {
	info, err := os.Stat(s.certFile)
	if err != nil {
		return s.fallback(fmt.Errorf("failed to stat certificate: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cert != nil && info.ModTime().Equal(s.modTime) {
		return s.cert, nil
	}
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		if s.cert != nil {
			s.logger.Warn("failed to reload certificate, keeping previous",
				slog.String("cert_file", s.certFile),
				slog.String("error", err.Error()))
			return s.cert, nil
		}
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	if s.cert != nil {
		s.logger.Info("reloaded certificate", slog.String("cert_file", s.certFile))
	}
	s.cert = &cert
	s.modTime = info.ModTime()
	return s.cert, nil
}

func (s *Source) fallback(err error) (*tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cert == nil {
		return nil, err
	}
	return s.cert, nil
}

func checkKeyPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("tls key file not accessible: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("tls key file %s is a directory", path)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("tls key file %s has permissions %o (want 0600 or 0400)", path, perm)
	}
	return nil
}

func ensureSelfSigned(dir string, hosts []string, logger *logging.Logger) (string, string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", "", fmt.Errorf("failed to create certificate directory: %w", err)
	}
	certFile := filepath.Join(dir, selfSignedCertName)
	keyFile := filepath.Join(dir, selfSignedKeyName)

	if usableSelfSigned(certFile, keyFile, hosts, time.Now()) {
		logger.Info("using existing self-signed certificate", slog.String("cert_file", certFile))
		return certFile, keyFile, nil
	}
	if err := writeSelfSigned(certFile, keyFile, hosts, time.Now()); err != nil {
		return "", "", fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	logger.Warn("generated self-signed certificate, not for production use",
		slog.String("cert_file", certFile),
		slog.Any("hosts", hosts))
	return certFile, keyFile, nil
}

func usableSelfSigned(certFile, keyFile string, hosts []string, now time.Time) bool {
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil || len(pair.Certificate) == 0 {
		return false
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return false
	}
	if now.Before(cert.NotBefore) || now.Add(renewBefore).After(cert.NotAfter) {
		return false
	}
	for _, host := range hosts {
		if cert.VerifyHostname(host) != nil {
			return false
		}
	}
	return true
}

func writeSelfSigned(certFile, keyFile string, hosts []string, now time.Time) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"entityql development"}, CommonName: hosts[0]},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(selfSignedLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, host := range hosts {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}

	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return err
	}
	return os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644)
}
