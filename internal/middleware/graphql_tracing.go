package middleware

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"entityql/internal/loader"
	"entityql/internal/logging"
	"entityql/internal/observability"
)

// GraphQLTracingMiddleware instruments GraphQL execution with an inner span.
func GraphQLTracingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			op := operationFor(r)
			if op.Payload.Query == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx, span := otel.Tracer("entityql/graphql").Start(r.Context(), "graphql.execute")
			defer span.End()
			if spanCtx := span.SpanContext(); spanCtx.IsValid() {
				reqLogger := logging.FromContext(ctx).WithFields(
					slog.String("trace_id", spanCtx.TraceID().String()),
					slog.String("span_id", spanCtx.SpanID().String()),
				)
				ctx = logging.WithLogger(ctx, reqLogger)
			}
			if span.IsRecording() {
				span.SetAttributes(observability.GraphQLSpanAttributes(op)...)
				if op.Err != nil {
					span.SetStatus(codes.Error, op.Err.Error())
				}
			}

			rec := newStatusRecorder(w, false)
			next.ServeHTTP(rec, r.WithContext(ctx))

			if !span.IsRecording() {
				return
			}
			span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
			if l, ok := loader.FromContext(ctx); ok {
				stats := l.Stats()
				hits, misses := stats.Hits(), stats.Misses()
				span.SetAttributes(
					attribute.Int64("graphql.execution.cache_hits", hits),
					attribute.Int64("graphql.execution.cache_misses", misses),
					attribute.Int64("graphql.execution.batches", stats.Batches()),
				)
				if total := hits + misses; total > 0 {
					span.SetAttributes(attribute.Float64("graphql.execution.cache_hit_ratio", float64(hits)/float64(total)))
				}
			}
		})
	}
}
