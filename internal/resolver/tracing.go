package resolver

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"entityql/internal/authz"
	"entityql/internal/schema"
)

func startResolverSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer("entityql/resolver")
	ctx, span := tracer.Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

func finishResolverSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("graphql.resolver.outcome", outcome))
	span.End()
}

func mutationSpanAttributes(e *schema.Entity, action authz.Action) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("entityql.entity", e.Name),
		attribute.String("entityql.mutation.action", string(action)),
	}
}

func setMutationResultAttributes(span trace.Span, affected int) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.Int("entityql.mutation.rows_affected", affected))
}
