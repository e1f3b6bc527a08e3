package middleware

import (
	"net/http"

	"entityql/internal/gqlrequest"
	"entityql/internal/logging"
	"entityql/internal/observability"
)

// GraphQLRequestAnalysisMiddleware parses the GraphQL request once and
// stores the analysis for the middlewares that follow. Requests that fail
// to parse still reach the handler, which reports the error to the client.
func GraphQLRequestAnalysisMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op := gqlrequest.AnalyzeRequest(r)
			ctx := gqlrequest.WithOperation(r.Context(), op)

			reqLogger := logging.FromContext(ctx)
			if op.Err != nil {
				reqLogger.Debug("graphql request analysis failed", "error", op.Err.Error())
			} else {
				reqLogger = reqLogger.WithFields(observability.GraphQLLogFields(ctx, op)...)
				ctx = logging.WithLogger(ctx, reqLogger)
				reqLogger.Debug("graphql request analyzed")
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
