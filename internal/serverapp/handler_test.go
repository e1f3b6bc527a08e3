package serverapp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entityql/internal/authz"
	"entityql/internal/config"
	"entityql/internal/middleware"
	"entityql/internal/sqlutil"
	"entityql/internal/testutil"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestBuildRouter(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	cfg := &config.Config{Server: config.ServerConfig{HealthCheckTimeout: time.Second}}
	graphqlHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	mux := buildRouter(cfg, testLogger(), db, graphqlHandler, nil)

	tests := []struct {
		name   string
		path   string
		setup  func()
		status int
		body   string
	}{
		{name: "graphql", path: "/graphql", status: http.StatusTeapot},
		{name: "root redirects", path: "/", status: http.StatusFound},
		{name: "unknown path", path: "/schools", status: http.StatusNotFound},
		{name: "metrics disabled", path: "/metrics", status: http.StatusNotFound},
		{
			name:   "healthy",
			path:   "/health",
			setup:  func() { mock.ExpectPing() },
			status: http.StatusOK,
			body:   `"database":"ok"`,
		},
		{
			name:   "unhealthy",
			path:   "/health",
			setup:  func() { mock.ExpectPing().WillReturnError(errors.New("connection refused")) },
			status: http.StatusServiceUnavailable,
			body:   `"database":"failed"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Contains(t, rec.Body.String(), tt.body)
				assert.NotContains(t, rec.Body.String(), "refused")
			}
		})
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWaitForDatabase(t *testing.T) {
	t.Run("retries until ready", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing().WillReturnError(errors.New("not ready"))
		mock.ExpectPing().WillReturnError(errors.New("not ready"))
		mock.ExpectPing()

		err = waitForDatabase(context.Background(), config.DatabaseConfig{
			ConnectionTimeout:       time.Second,
			ConnectionRetryInterval: time.Millisecond,
		}, testLogger(), db)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero timeout tries once", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		mock.ExpectPing().WillReturnError(errors.New("down"))

		err = waitForDatabase(context.Background(), config.DatabaseConfig{}, testLogger(), db)
		require.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("gives up after timeout", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		for i := 0; i < 100; i++ {
			mock.ExpectPing().WillReturnError(errors.New("down"))
		}

		err = waitForDatabase(context.Background(), config.DatabaseConfig{
			ConnectionTimeout:       20 * time.Millisecond,
			ConnectionRetryInterval: 5 * time.Millisecond,
		}, testLogger(), db)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database not available")
	})
}

func TestLoadDefinitions(t *testing.T) {
	schemaFile := filepath.Join("..", "testutil", "entities.yaml")

	registry, policy, dialect, err := loadDefinitions(&config.Config{
		Database: config.DatabaseConfig{Driver: "postgres"},
		Schema:   config.SchemaConfig{File: schemaFile},
	}, testLogger())
	require.NoError(t, err)
	assert.NotEmpty(t, registry.Entities())
	assert.NotNil(t, policy)
	assert.Equal(t, "postgres", dialect.Name())

	policyFile := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policyFile, []byte("rules:\n  - resource: '*'\n    actions: [view]\n    roles: [service]\n"), 0o600))
	_, policy, _, err = loadDefinitions(&config.Config{
		Schema: config.SchemaConfig{File: schemaFile},
		Authz:  config.AuthzConfig{PolicyFile: policyFile},
	}, testLogger())
	require.NoError(t, err)
	assert.NotNil(t, policy)

	_, _, _, err = loadDefinitions(&config.Config{Schema: config.SchemaConfig{File: "missing.yaml"}}, testLogger())
	require.Error(t, err)

	_, _, _, err = loadDefinitions(&config.Config{
		Schema:   config.SchemaConfig{File: schemaFile},
		Database: config.DatabaseConfig{Driver: "oracle"},
	}, testLogger())
	require.Error(t, err)
}

func TestBuildVerifiers(t *testing.T) {
	cfg := &config.Config{}
	verifiers, err := buildVerifiers(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	assert.Empty(t, verifiers)

	cfg.Server.Auth.JWTSecret = testSecret
	verifiers, err = buildVerifiers(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	require.Len(t, verifiers, 1)
	assert.Equal(t, "shared_key", verifiers[0].Name())

	cfg.Server.Auth.JWTSecret = "short"
	_, err = buildVerifiers(context.Background(), cfg, testLogger())
	require.Error(t, err)
}

func TestGraphQLHandler_EndToEnd(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	pol, err := authz.DefaultPolicy()
	require.NoError(t, err)
	cfg := &config.Config{Server: config.ServerConfig{MaxResults: 50}}
	res := buildResolver(cfg, testLogger(), db, testutil.Registry(t), pol, sqlutil.MySQL{}, nil)
	graphqlSchema, err := res.BuildGraphQLSchema()
	require.NoError(t, err)

	verifier, err := middleware.NewSharedKeyVerifier(middleware.SharedKeyConfig{Secret: []byte(testSecret)})
	require.NoError(t, err)
	h := buildGraphQLHandler(cfg, testLogger(), db, res, &graphqlSchema, []middleware.TokenVerifier{verifier}, nil, nil)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":           "111",
		"exp":           time.Now().Add(time.Hour).Unix(),
		"project_roles": map[string]interface{}{"member": []interface{}{10}},
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	newRequest := func(withToken bool) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"{ schools { name } }"}`))
		req.Header.Set("Content-Type", "application/json")
		if withToken {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req
	}

	t.Run("authorized query is scoped to member projects", func(t *testing.T) {
		mock.ExpectQuery("SELECT .* FROM `school` WHERE .*`school`.`collection_id` IN \\(\\?\\)").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "district_id", "collection_id", "owner_user_id", "deleted_at"}).
				AddRow(int64(1), "Lincoln", nil, int64(10), int64(111), nil))

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, newRequest(true))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"data":{"schools":[{"name":"Lincoln"}]}}`, rec.Body.String())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing token is rejected before any query", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, newRequest(false))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
