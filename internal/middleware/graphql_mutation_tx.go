package middleware

import (
	"log/slog"
	"net/http"

	"entityql/internal/authz"
	"entityql/internal/dbexec"
	"entityql/internal/gqlrequest"
	"entityql/internal/logging"
	"entityql/internal/resolver"
)

// MutationTransactionMiddleware runs every field of a mutation operation in
// one transaction. Queries made while the mutation resolves, including
// loader batches, read through the same transaction. The transaction
// commits unless a field marked an error, and rolls back on panic.
func MutationTransactionMiddleware(fallback dbexec.QueryExecutor, scoper Scoper) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !gqlrequest.OperationFromContext(r.Context()).IsMutation() {
				next.ServeHTTP(w, r)
				return
			}

			beginner, ok := dbexec.ExecutorFromContext(r.Context(), fallback).(dbexec.Beginner)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			reqLogger := logging.FromContext(r.Context())
			tx, err := beginner.BeginTx(r.Context())
			if err != nil {
				reqLogger.Error("failed to start mutation transaction", slog.String("error", err.Error()))
				http.Error(w, "failed to start transaction", http.StatusInternalServerError)
				return
			}

			mc := resolver.NewMutationContext(tx)
			ctx := resolver.WithMutationContext(r.Context(), mc)
			if scoper != nil {
				ctx = scoper.WithRequestScope(ctx, authz.PrincipalFromContext(ctx), tx)
			}

			defer func() {
				if rec := recover(); rec != nil {
					mc.MarkError()
					_ = mc.Finalize()
					panic(rec)
				}
				if err := mc.Finalize(); err != nil {
					reqLogger.Error("failed to finalize mutation transaction", slog.String("error", err.Error()))
				}
			}()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
