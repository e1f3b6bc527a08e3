package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"

	"entityql/internal/logging"
)

// OIDCAuthConfig controls OIDC/JWKS validation behavior.
type OIDCAuthConfig struct {
	IssuerURL     string
	Audience      string
	ClockSkew     time.Duration
	SkipTLSVerify bool
	// CAFile adds a PEM root for issuers behind a private CA.
	CAFile string
}

// OIDCVerifier validates tokens signed by an OIDC provider's JWKS.
type OIDCVerifier struct {
	issuer    string
	clockSkew time.Duration
	verifier  *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the provider at cfg.IssuerURL. Expiry is checked
// with the configured clock skew rather than by the provider library.
func NewOIDCVerifier(ctx context.Context, cfg OIDCAuthConfig, logger *logging.Logger) (*OIDCVerifier, error) {
	if cfg.IssuerURL == "" || cfg.Audience == "" {
		return nil, errors.New("oidc auth enabled but issuer/audience not configured")
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	issuerURL, err := url.Parse(cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid oidc issuer url: %w", err)
	}
	if issuerURL.Scheme != "https" {
		return nil, errors.New("oidc issuer url must use https")
	}
	if logger != nil && cfg.SkipTLSVerify {
		logger.Warn("oidc tls verification is disabled; enable only for local development",
			"issuer", cfg.IssuerURL,
		)
	}

	httpClient, err := newOIDCHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize oidc provider: %w", err)
	}

	return &OIDCVerifier{
		issuer:    cfg.IssuerURL,
		clockSkew: cfg.ClockSkew,
		verifier: provider.Verifier(&oidc.Config{
			ClientID:        cfg.Audience,
			SkipExpiryCheck: true,
		}),
	}, nil
}

// Name implements TokenVerifier.
func (v *OIDCVerifier) Name() string { return "oidc" }

// Verify implements TokenVerifier.
func (v *OIDCVerifier) Verify(ctx context.Context, token string) (AuthContext, error) {
	idToken, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}
	claims := map[string]interface{}{}
	if err := idToken.Claims(&claims); err != nil {
		return AuthContext{}, fmt.Errorf("%w: claims: %v", ErrTokenRejected, err)
	}
	if err := validateTimeClaims(claims, v.clockSkew, time.Now()); err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrTokenRejected, err)
	}
	return AuthContext{
		Subject:  idToken.Subject,
		Issuer:   v.issuer,
		Audience: extractAudience(claims),
		Claims:   claims,
	}, nil
}

func newOIDCHTTPClient(cfg OIDCAuthConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipTLSVerify, //nolint:gosec // development opt-in
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read oidc CA file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse oidc CA file %q", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
		Timeout:   10 * time.Second,
	}, nil
}

// validateTimeClaims requires exp and honours nbf, both widened by skew.
func validateTimeClaims(claims map[string]interface{}, skew time.Duration, now time.Time) error {
	exp, ok := numericDate(claims["exp"])
	if !ok {
		return errors.New("token has no expiry")
	}
	if now.After(exp.Add(skew)) {
		return errors.New("token expired")
	}
	if nbf, ok := numericDate(claims["nbf"]); ok && now.Add(skew).Before(nbf) {
		return errors.New("token not valid yet")
	}
	return nil
}

func numericDate(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	case int:
		return time.Unix(int64(v), 0), true
	case json.Number:
		parsed, err := v.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(parsed, 0), true
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(parsed, 0), true
	default:
		return time.Time{}, false
	}
}
