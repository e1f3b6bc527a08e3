package middleware

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"

	"entityql/internal/authz"
	"entityql/internal/dbexec"
	"entityql/internal/logging"
)

// Scoper binds a principal and an executor to a request context. The
// resolver implements it by installing fresh per-request loaders.
type Scoper interface {
	WithRequestScope(ctx context.Context, principal *authz.Principal, exec dbexec.QueryExecutor) context.Context
}

// RequestScopeMiddleware pins every query of a request to one pooled
// connection and gives the request its own loaders. The connection is
// released when the handler returns.
func RequestScopeMiddleware(db *sql.DB, scoper Scoper) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if db == nil || scoper == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			session := dbexec.NewSession(db)
			defer func() {
				if err := session.Close(); err != nil {
					logging.FromContext(r.Context()).Warn("failed to release request connection",
						slog.String("error", err.Error()),
					)
				}
			}()

			ctx := scoper.WithRequestScope(r.Context(), authz.PrincipalFromContext(r.Context()), session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
