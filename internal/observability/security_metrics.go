package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SecurityMetrics counts authentication and authorization outcomes.
type SecurityMetrics struct {
	authAttempts          metric.Int64Counter
	authFailures          metric.Int64Counter
	authSuccesses         metric.Int64Counter
	tokenValidationErrors metric.Int64Counter
}

// InitSecurityMetrics initializes security-specific metrics
func InitSecurityMetrics() (*SecurityMetrics, error) {
	meter := otel.Meter(MeterName + "/security")
	m := &SecurityMetrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		spec instrumentSpec
	}{
		{&m.authAttempts, instrumentSpec{name: "security.auth.attempts.total", description: "Total number of authentication attempts"}},
		{&m.authFailures, instrumentSpec{name: "security.auth.failures.total", description: "Total number of authentication failures"}},
		{&m.authSuccesses, instrumentSpec{name: "security.auth.successes.total", description: "Total number of successful authentications"}},
		{&m.tokenValidationErrors, instrumentSpec{name: "security.token.validation_errors.total", description: "Total number of token validation errors"}},
	}
	for _, c := range counters {
		var err error
		if *c.dst, err = int64Counter(meter, c.spec); err != nil {
			return nil, fmt.Errorf("security metrics: %w", err)
		}
	}
	return m, nil
}

// RecordAuthAttempt records an authentication attempt by verifier.
func (m *SecurityMetrics) RecordAuthAttempt(ctx context.Context, verifier string) {
	m.authAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("verifier", verifier)))
}

// RecordAuthFailure records a rejected request. reason is a short stable code
// such as missing_token or invalid_claims.
func (m *SecurityMetrics) RecordAuthFailure(ctx context.Context, verifier, reason string) {
	m.authFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verifier", verifier),
		attribute.String("reason", reason),
	))
}

// RecordAuthSuccess records a request that produced a principal.
func (m *SecurityMetrics) RecordAuthSuccess(ctx context.Context, verifier, issuer string) {
	m.authSuccesses.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verifier", verifier),
		attribute.String("issuer", issuer),
	))
}

// RecordTokenValidationError records why a presented token was rejected.
func (m *SecurityMetrics) RecordTokenValidationError(ctx context.Context, errorType string) {
	m.tokenValidationErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("error_type", errorType)))
}
