// Package serverapp wires configuration, storage, authorization and the
// GraphQL schema into a running HTTP server.
package serverapp

import (
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/graphql-go/graphql"

	"entityql/internal/config"
	"entityql/internal/logging"
	"entityql/internal/observability"
	"entityql/internal/resolver"
	"entityql/internal/schema"
)

// App owns runtime resources for the entityql server lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	dsnPresent bool

	meterProvider   *observability.MeterProvider
	graphqlMetrics  *observability.GraphQLMetrics
	securityMetrics *observability.SecurityMetrics
	tracerProvider  *observability.TracerProvider

	db         *sql.DB
	dbStatsReg interface{ Unregister() error }

	registry      *schema.Registry
	resolver      *resolver.Resolver
	graphqlSchema graphql.Schema

	graphqlHandler http.Handler
	mux            *http.ServeMux
	handler        http.Handler

	serverAddr string
	srv        *http.Server

	cleanup cleanupStack

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	serverErrors chan error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		dsnPresent: strings.TrimSpace(cfg.Database.ConnectionString) != "",
	}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Handler returns the fully wrapped HTTP handler. It is nil before Init.
func (a *App) Handler() http.Handler {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.handler
}
