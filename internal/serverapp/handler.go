package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/handler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"entityql/internal/authz"
	"entityql/internal/config"
	"entityql/internal/dbexec"
	"entityql/internal/logging"
	"entityql/internal/middleware"
	"entityql/internal/observability"
	"entityql/internal/planner"
	"entityql/internal/resolver"
	"entityql/internal/schema"
	"entityql/internal/sqlutil"
)

// loadDefinitions reads the entity descriptors and the authorization policy
// and selects the SQL dialect.
func loadDefinitions(cfg *config.Config, logger *logging.Logger) (*schema.Registry, *authz.Policy, sqlutil.Dialect, error) {
	registry, err := schema.LoadFile(cfg.Schema.File)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load schema: %w", err)
	}

	var policy *authz.Policy
	if cfg.Authz.PolicyFile != "" {
		policy, err = authz.LoadPolicyFile(cfg.Authz.PolicyFile)
	} else {
		policy, err = authz.DefaultPolicy()
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load authorization policy: %w", err)
	}

	dialect, err := sqlutil.DialectFor(cfg.Database.Driver)
	if err != nil {
		return nil, nil, nil, err
	}

	policySource := cfg.Authz.PolicyFile
	if policySource == "" {
		policySource = "builtin"
	}
	logger.Info("schema loaded",
		slog.String("file", cfg.Schema.File),
		slog.Int("entities", len(registry.Entities())),
		slog.String("policy", policySource),
		slog.String("dialect", dialect.Name()),
	)
	return registry, policy, dialect, nil
}

func buildResolver(cfg *config.Config, logger *logging.Logger, db *sql.DB, registry *schema.Registry, policy *authz.Policy, dialect sqlutil.Dialect, metrics *observability.GraphQLMetrics) *resolver.Resolver {
	compiler := planner.NewCompiler(dialect, authz.NewPolicyClient(dialect, policy))
	return resolver.NewResolver(dbexec.NewStandardExecutor(db), registry, compiler, resolver.Options{
		Limits:               planner.Limits{MaxResults: cfg.Server.MaxResults},
		Logger:               logger.Logger,
		ExposeInternalErrors: cfg.Server.ExposeInternalErrors,
		Metrics:              metrics,
	})
}

func buildVerifiers(ctx context.Context, cfg *config.Config, logger *logging.Logger) ([]middleware.TokenVerifier, error) {
	auth := cfg.Server.Auth
	var verifiers []middleware.TokenVerifier
	if auth.OIDCEnabled {
		v, err := middleware.NewOIDCVerifier(ctx, middleware.OIDCAuthConfig{
			IssuerURL:     auth.OIDCIssuerURL,
			Audience:      auth.OIDCAudience,
			ClockSkew:     auth.OIDCClockSkew,
			SkipTLSVerify: auth.OIDCSkipTLSVerify,
			CAFile:        auth.OIDCCAFile,
		}, logger)
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, v)
		logger.Info("OIDC authentication enabled", slog.String("issuer", auth.OIDCIssuerURL))
	}
	if auth.JWTSecret != "" {
		v, err := middleware.NewSharedKeyVerifier(middleware.SharedKeyConfig{
			Secret:    []byte(auth.JWTSecret),
			Issuer:    auth.JWTIssuer,
			ClockSkew: auth.OIDCClockSkew,
		})
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, v)
		logger.Info("shared-key authentication enabled")
	}
	if len(verifiers) == 0 {
		logger.Warn("no token verifier configured - requests are anonymous and denied by policy")
	}
	return verifiers, nil
}

// buildGraphQLHandler assembles the GraphQL middleware chain:
//
//	logging -> analysis -> auth -> request scope -> mutation tx -> metrics -> tracing -> graphql
//
// Scoping runs before the transaction so a mutation's loaders are rebuilt on
// the transaction, and metrics run inside both so they see the final loaders.
func buildGraphQLHandler(cfg *config.Config, logger *logging.Logger, db *sql.DB, res *resolver.Resolver, graphqlSchema *graphql.Schema, verifiers []middleware.TokenVerifier, graphqlMetrics *observability.GraphQLMetrics, securityMetrics *observability.SecurityMetrics) http.Handler {
	var h http.Handler = handler.New(&handler.Config{
		Schema:   graphqlSchema,
		Pretty:   true,
		GraphiQL: cfg.Server.GraphiQLEnabled,
	})

	h = middleware.GraphQLTracingMiddleware()(h)
	h = middleware.GraphQLMetricsMiddleware(graphqlMetrics)(h)
	h = middleware.MutationTransactionMiddleware(dbexec.NewStandardExecutor(db), res)(h)
	h = middleware.RequestScopeMiddleware(db, res)(h)
	h = middleware.AuthMiddleware(verifiers, securityMetrics)(h)
	h = middleware.GraphQLRequestAnalysisMiddleware()(h)
	return middleware.LoggingMiddleware(logger)(h)
}

func buildRouter(cfg *config.Config, logger *logging.Logger, db *sql.DB, graphqlHandler http.Handler, meterProvider *observability.MeterProvider) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/graphql", graphqlHandler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/graphql", http.StatusFound)
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc("/health", healthHandler(db, cfg.Server.HealthCheckTimeout))

	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", "/metrics"))
	}
	return mux
}

func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, h http.Handler) http.Handler {
	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		h = otelhttp.NewHandler(h, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return httpRootSpanName(r)
			}),
		)
		logger.Info("HTTP instrumentation enabled")
	}

	h = middleware.CORSMiddleware(middleware.CORSConfig{
		Enabled:          cfg.Server.CORSEnabled,
		AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
		AllowedMethods:   cfg.Server.CORSAllowedMethods,
		AllowedHeaders:   cfg.Server.CORSAllowedHeaders,
		ExposeHeaders:    cfg.Server.CORSExposeHeaders,
		AllowCredentials: cfg.Server.CORSAllowCredentials,
		MaxAge:           cfg.Server.CORSMaxAge,
	})(h)

	return middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Enabled: cfg.Server.RateLimitEnabled,
		RPS:     cfg.Server.RateLimitRPS,
		Burst:   cfg.Server.RateLimitBurst,
	})(h)
}

func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}
	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}
	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

// normalizeHTTPSpanRoute keeps span names low-cardinality.
func normalizeHTTPSpanRoute(rawPath string) string {
	switch rawPath {
	case "/", "/graphql", "/health", "/metrics":
		return rawPath
	default:
		return "/*"
	}
}

// healthHandler reports database reachability.
func healthHandler(db *sql.DB, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if db == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprint(w, `{"status":"unhealthy","database":"unconfigured"}`)
			return
		}
		if err := db.PingContext(ctx); err != nil {
			reqLogger.Error("health check failed",
				slog.String("error", err.Error()),
				slog.String("check", "database"),
			)
			w.WriteHeader(http.StatusServiceUnavailable)
			// Internal details stay in the log.
			_, _ = fmt.Fprint(w, `{"status":"unhealthy","database":"failed"}`)
			return
		}

		reqLogger.Debug("health check passed")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, `{"status":"healthy","database":"ok"}`)
	}
}
