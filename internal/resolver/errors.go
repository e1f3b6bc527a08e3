package resolver

import (
	"context"

	"github.com/graphql-go/graphql"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"entityql/internal/apierr"
	"entityql/internal/logging"
)

// UserError is an error whose message is safe to return to clients. The
// extensions carry a machine-readable code.
type UserError interface {
	error
	Extensions() map[string]interface{}
}

var _ UserError = (*apierr.Error)(nil)

const maskedErrorMessage = "Unexpected error"

// guard passes user errors through and masks everything else.
func (r *Resolver) guard(fn graphql.FieldResolveFn) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		v, err := fn(p)
		if err != nil {
			return nil, r.maskError(p.Context, p.Info.FieldName, err)
		}
		return v, nil
	}
}

// guardThunk applies the same masking to a deferred result. graphql-go only
// recognizes the unnamed function type.
func (r *Resolver) guardThunk(p graphql.ResolveParams, fn func() (interface{}, error)) func() (interface{}, error) {
	return func() (interface{}, error) {
		v, err := fn()
		if err != nil {
			return nil, r.maskError(p.Context, p.Info.FieldName, err)
		}
		return v, nil
	}
}

// maskError classifies a resolver failure. Schema mismatches such as
// schema.ErrUnknownField and planner.ErrInvalidRelationship are logged and
// masked like any other internal error.
func (r *Resolver) maskError(ctx context.Context, field string, err error) error {
	if mc := MutationContextFromContext(ctx); mc != nil {
		mc.MarkError()
	}
	if apiErr, ok := apierr.As(err); ok {
		return apiErr
	}
	logging.FromContext(ctx).Error("resolver failed",
		"field", field,
		"request_id", logging.GetRequestID(ctx),
		"error", err.Error(),
	)
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if r.exposeInternalErrors {
		return apierr.Wrap(err, apierr.CodeInternal, err.Error())
	}
	return apierr.Wrap(err, apierr.CodeInternal, maskedErrorMessage)
}
