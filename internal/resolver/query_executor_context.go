package resolver

import (
	"context"

	"entityql/internal/dbexec"
)

// queryExecutorForContext returns the active mutation transaction when
// present, then the request's executor, then the resolver's base executor.
func (r *Resolver) queryExecutorForContext(ctx context.Context) dbexec.QueryExecutor {
	if mc := MutationContextFromContext(ctx); mc != nil && mc.Tx() != nil {
		return mc.Tx()
	}
	return dbexec.ExecutorFromContext(ctx, r.executor)
}
