package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"entityql/internal/authz"
	"entityql/internal/logging"
	"entityql/internal/observability"
)

// TokenVerifier turns a bearer token into verified claims.
type TokenVerifier interface {
	// Name labels the verifier in logs and metrics.
	Name() string
	Verify(ctx context.Context, token string) (AuthContext, error)
}

type authContextKey struct{}

// AuthContext carries validated JWT claims.
type AuthContext struct {
	Verifier string
	Subject  string
	Issuer   string
	Audience []string
	Claims   map[string]interface{}
}

// AuthFromContext returns the auth context from a request context.
func AuthFromContext(ctx context.Context) (AuthContext, bool) {
	auth, ok := ctx.Value(authContextKey{}).(AuthContext)
	return auth, ok
}

// ErrTokenRejected is returned by verifiers for tokens they cannot accept.
var ErrTokenRejected = errors.New("token rejected")

// AuthMiddleware authenticates bearer tokens and stores the resulting
// principal for authorization. Verifiers are tried in order; the first that
// accepts the token wins. With no verifiers every request is anonymous, and
// the policy denies anonymous principals.
func AuthMiddleware(verifiers []TokenVerifier, metrics *observability.SecurityMetrics) func(http.Handler) http.Handler {
	if len(verifiers) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqLogger := logging.FromContext(ctx)
			fail := func(verifier, reason, message string, err error) {
				if metrics != nil {
					metrics.RecordAuthFailure(ctx, verifier, reason)
				}
				attrs := []any{slog.String("reason", reason), slog.String("remote_addr", r.RemoteAddr)}
				if err != nil {
					attrs = append(attrs, slog.String("error", err.Error()))
				}
				reqLogger.Warn("authentication failed", attrs...)
				writeUnauthorized(w, message)
			}

			token := bearerToken(r.Header.Get("Authorization"))
			if metrics != nil {
				metrics.RecordAuthAttempt(ctx, "bearer")
			}
			if token == "" {
				fail("bearer", "missing_token", "missing bearer token", nil)
				return
			}

			auth, err := verifyToken(ctx, verifiers, token)
			if err != nil {
				if metrics != nil {
					metrics.RecordTokenValidationError(ctx, "verification_failed")
				}
				fail("bearer", "invalid_token", "invalid token", err)
				return
			}

			principal, err := authz.PrincipalFromClaims(auth.Claims)
			if err != nil {
				if metrics != nil {
					metrics.RecordTokenValidationError(ctx, "invalid_claims")
				}
				fail(auth.Verifier, "invalid_claims", "invalid token claims", err)
				return
			}

			if metrics != nil {
				metrics.RecordAuthSuccess(ctx, auth.Verifier, auth.Issuer)
			}
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("auth.subject", auth.Subject),
					attribute.String("auth.verifier", auth.Verifier),
					attribute.Bool("auth.service", principal.HasRole(authz.RoleService)),
				)
			}

			reqLogger = reqLogger.WithSubject(auth.Subject)
			reqLogger.Debug("authentication successful", slog.String("verifier", auth.Verifier))

			ctx = context.WithValue(ctx, authContextKey{}, auth)
			ctx = authz.WithPrincipal(ctx, principal)
			ctx = logging.WithLogger(ctx, reqLogger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verifyToken(ctx context.Context, verifiers []TokenVerifier, token string) (AuthContext, error) {
	var errs []error
	for _, v := range verifiers {
		auth, err := v.Verify(ctx, token)
		if err == nil {
			auth.Verifier = v.Name()
			return auth, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", v.Name(), err))
	}
	return AuthContext{}, errors.Join(errs...)
}

func bearerToken(value string) string {
	scheme, token, ok := strings.Cut(value, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, message)
}

func extractAudience(claims map[string]interface{}) []string {
	switch val := claims["aud"].(type) {
	case string:
		return []string{val}
	case []string:
		return val
	case []interface{}:
		result := make([]string, 0, len(val))
		for _, item := range val {
			if str, ok := item.(string); ok {
				result = append(result, str)
			}
		}
		return result
	default:
		return nil
	}
}
