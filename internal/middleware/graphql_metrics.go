package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"entityql/internal/gqlrequest"
	"entityql/internal/loader"
	"entityql/internal/observability"
)

// GraphQLMetricsMiddleware records request, operation shape and loader
// cache metrics for GraphQL POST requests.
func GraphQLMetricsMiddleware(metrics *observability.GraphQLMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// GraphiQL page loads are not operations.
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			metrics.IncrementActiveRequests(ctx)
			defer metrics.DecrementActiveRequests(ctx)
			start := time.Now()

			op := operationFor(r)
			operationType := "unknown"
			if op.Valid() {
				operationType = op.Type
				metrics.RecordOperationShape(ctx, op.Depth, op.FieldCount, operationType)
			}

			rec := newStatusRecorder(w, true)
			next.ServeHTTP(rec, r)

			if l, ok := loader.FromContext(ctx); ok {
				stats := l.Stats()
				metrics.RecordLoaderCache(ctx, stats.Hits(), stats.Misses())
			}
			hasErrors := rec.status >= 400 || responseHasGraphQLErrors(rec.body.Bytes())
			metrics.RecordRequest(ctx, time.Since(start), hasErrors, operationType)
		})
	}
}

// operationFor returns the analyzed operation, analyzing the request when no
// earlier middleware did.
func operationFor(r *http.Request) *gqlrequest.Operation {
	if op := gqlrequest.OperationFromContext(r.Context()); op != nil {
		return op
	}
	return gqlrequest.AnalyzeRequest(r)
}

func responseHasGraphQLErrors(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return false
	}

	var payload struct {
		Errors []json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return false
	}
	return len(payload.Errors) > 0
}
