package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"entityql/internal/gqlrequest"
)

// GraphQLSpanAttributes describes an analyzed operation as span attributes.
func GraphQLSpanAttributes(op *gqlrequest.Operation) []attribute.KeyValue {
	if op == nil {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, 8)
	if op.Payload.OperationName != "" {
		attrs = append(attrs, attribute.String("graphql.operation.requested_name", op.Payload.OperationName))
	}
	if !op.Valid() {
		return attrs
	}
	return append(attrs,
		attribute.String("graphql.operation.name", op.Name),
		attribute.String("graphql.operation.type", op.Type),
		attribute.String("graphql.operation.hash", op.Hash),
		attribute.Int("graphql.document.size_bytes", len(op.Payload.Query)),
		attribute.Int("graphql.query.field_count", op.FieldCount),
		attribute.Int("graphql.query.depth", op.Depth),
		attribute.Int("graphql.query.variable_count", op.VariableCount),
	)
}

// GraphQLLogFields describes an analyzed operation as slog attributes, with
// the trace id when ctx carries a valid span.
func GraphQLLogFields(ctx context.Context, op *gqlrequest.Operation) []any {
	fields := make([]any, 0, 5)
	if op.Valid() {
		fields = append(fields,
			slog.String("operation_name", op.Name),
			slog.String("operation_type", op.Type),
			slog.String("operation_hash", op.Hash),
			slog.Int("operation_depth", op.Depth),
		)
	}
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		fields = append(fields, slog.String("trace_id", spanCtx.TraceID().String()))
	}
	return fields
}
