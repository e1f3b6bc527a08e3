package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entityql/internal/authz"
	"entityql/internal/dbexec"
	"entityql/internal/resolver"
)

type recordingScoper struct {
	execs      []dbexec.QueryExecutor
	principals []*authz.Principal
}

func (s *recordingScoper) WithRequestScope(ctx context.Context, principal *authz.Principal, exec dbexec.QueryExecutor) context.Context {
	s.execs = append(s.execs, exec)
	s.principals = append(s.principals, principal)
	return dbexec.WithExecutor(authz.WithPrincipal(ctx, principal), exec)
}

func graphqlPost(query string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(`{"query":"`+query+`"}`))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func TestRequestScopeMiddleware_ScopesSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	scoper := &recordingScoper{}
	principal := &authz.Principal{ID: "5", UserID: 5}
	handler := RequestScopeMiddleware(db, scoper)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exec := dbexec.ExecutorFromContext(r.Context(), nil)
		rows, err := exec.QueryContext(r.Context(), "SELECT 1")
		require.NoError(t, err)
		require.NoError(t, rows.Close())
	}))

	req := graphqlPost("{ schools { id } }")
	req = req.WithContext(authz.WithPrincipal(req.Context(), principal))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, scoper.execs, 1)
	session, ok := scoper.execs[0].(*dbexec.Session)
	require.True(t, ok)
	assert.Same(t, principal, scoper.principals[0])

	_, err = session.QueryContext(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, dbexec.ErrSessionClosed, "session is released after the request")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMutationTransactionMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		fail     bool
		setup    func(mock sqlmock.Sqlmock)
		scopings int
	}{
		{
			name:  "query runs without transaction",
			query: "{ schools { id } }",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE school").WillReturnResult(sqlmock.NewResult(0, 1))
			},
			scopings: 1,
		},
		{
			name:  "mutation commits",
			query: "mutation { deleteSchool(id: 1) }",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE school").WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			scopings: 2,
		},
		{
			name:  "failed mutation rolls back",
			query: "mutation { deleteSchool(id: 1) }",
			fail:  true,
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE school").WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectRollback()
			},
			scopings: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()
			tt.setup(mock)

			scoper := &recordingScoper{}
			handler := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				exec := dbexec.ExecutorFromContext(r.Context(), nil)
				_, err := exec.ExecContext(r.Context(), "UPDATE school SET name = 'x'")
				require.NoError(t, err)
				if tt.fail {
					resolver.MutationContextFromContext(r.Context()).MarkError()
				}
			}),
				GraphQLRequestAnalysisMiddleware(),
				RequestScopeMiddleware(db, scoper),
				MutationTransactionMiddleware(nil, scoper),
			)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, graphqlPost(tt.query))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Len(t, scoper.execs, tt.scopings)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMutationTransactionMiddleware_BeginFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

	called := false
	handler := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }),
		GraphQLRequestAnalysisMiddleware(),
		MutationTransactionMiddleware(dbexec.NewStandardExecutor(db), nil),
	)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, graphqlPost("mutation { deleteSchool(id: 1) }"))

	assert.False(t, called)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMutationTransactionMiddleware_RollsBackOnPanic(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectRollback()

	handler := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") }),
		GraphQLRequestAnalysisMiddleware(),
		MutationTransactionMiddleware(dbexec.NewStandardExecutor(db), nil),
	)
	assert.PanicsWithValue(t, "boom", func() {
		handler.ServeHTTP(httptest.NewRecorder(), graphqlPost("mutation { deleteSchool(id: 1) }"))
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}
