package serverapp

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entityql/internal/config"
	"entityql/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.Config{Level: "error", Format: "text"})
}

// startedApp returns an initialized App serving an empty mux on a free port.
func startedApp(t *testing.T) *App {
	t.Helper()
	srv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}
	app := &App{
		cfg:         &config.Config{Server: config.ServerConfig{ShutdownTimeout: time.Second}},
		logger:      testLogger(),
		serverAddr:  srv.Addr,
		srv:         srv,
		initialized: true,
	}
	app.cleanup.push("HTTP server", srv.Shutdown)
	return app
}

func TestNewRequiresConfigAndLogger(t *testing.T) {
	_, err := New(nil, testLogger())
	assert.Error(t, err)
	_, err = New(&config.Config{}, nil)
	assert.Error(t, err)
}

func TestStartBeforeInitFails(t *testing.T) {
	app := &App{logger: testLogger()}
	_, err := app.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before Init")
}

func TestRunStopsOnCancel(t *testing.T) {
	app := startedApp(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, app.started)
}

func TestRunReportsListenerFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	app := startedApp(t)
	app.srv.Addr = busy.Addr().String()
	app.serverAddr = app.srv.Addr

	err = app.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server failed")
}

func TestShutdownRunsOnce(t *testing.T) {
	app := &App{logger: testLogger()}
	calls := 0
	app.cleanup.push("counter", func(context.Context) error {
		calls++
		return errors.New("flush failed")
	})

	first := app.Shutdown(context.Background())
	second := app.Shutdown(context.Background())
	require.Error(t, first)
	assert.Contains(t, first.Error(), "counter: flush failed")
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestCleanupStackReleasesInReverseOrder(t *testing.T) {
	var order []string
	var stack cleanupStack
	for _, name := range []string{"database", "resolver", "server"} {
		stack.push(name, func(context.Context) error {
			order = append(order, name)
			if name == "resolver" {
				return errors.New("stuck")
			}
			return nil
		})
	}

	err := stack.run(context.Background(), nil)
	assert.Equal(t, []string{"server", "resolver", "database"}, order)
	require.Error(t, err)
	assert.Equal(t, "resolver: stuck", err.Error())
}

func TestInitFailureLeavesAppUninitialized(t *testing.T) {
	appCfg := &config.Config{
		Database: config.DatabaseConfig{
			Driver:   "mysql",
			Host:     "127.0.0.1",
			Port:     1,
			User:     "root",
			Password: "invalid",
			Database: "test",
			Pool: config.PoolConfig{
				MaxOpen:     1,
				MaxIdle:     1,
				MaxLifetime: time.Second,
			},
		},
		Schema: config.SchemaConfig{File: filepath.Join("..", "testutil", "entities.yaml")},
		Server: config.ServerConfig{
			Port:               18089,
			MaxResults:         10,
			HealthCheckTimeout: time.Second,
		},
		Observability: config.ObservabilityConfig{
			ServiceName: "entityql",
			Logging:     config.LoggingConfig{Level: "error", Format: "text"},
		},
	}

	app, err := New(appCfg, testLogger())
	require.NoError(t, err)
	require.Error(t, app.Init(context.Background()), "unreachable database")

	app.stateMu.Lock()
	initialized := app.initialized
	app.stateMu.Unlock()
	assert.False(t, initialized)
	assert.Nil(t, app.Handler())
}
