package resolver

import (
	"context"
	"sync"

	"entityql/internal/dbexec"
)

type mutationContextKey struct{}

// MutationContext holds the transaction shared by every mutation field of one
// operation.
type MutationContext struct {
	tx        dbexec.TxExecutor
	hasError  bool
	finalized bool
	mu        sync.Mutex
}

func NewMutationContext(tx dbexec.TxExecutor) *MutationContext {
	return &MutationContext{tx: tx}
}

func (mc *MutationContext) Tx() dbexec.TxExecutor {
	return mc.tx
}

func (mc *MutationContext) MarkError() {
	mc.mu.Lock()
	mc.hasError = true
	mc.mu.Unlock()
}

// HasError reports whether any mutation field failed.
func (mc *MutationContext) HasError() bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.hasError
}

// Finalize commits or rolls back the transaction based on the error state.
// The lock is held throughout so MarkError cannot land between the check and
// the commit.
func (mc *MutationContext) Finalize() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.finalized {
		return nil
	}
	mc.finalized = true

	if mc.hasError {
		return mc.tx.Rollback()
	}
	return mc.tx.Commit()
}

// WithMutationContext stores mc in ctx. Reads made while the mutation runs
// go through the same transaction.
func WithMutationContext(ctx context.Context, mc *MutationContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, mutationContextKey{}, mc)
	if mc != nil && mc.tx != nil {
		ctx = dbexec.WithExecutor(ctx, mc.tx)
	}
	return ctx
}

func MutationContextFromContext(ctx context.Context) *MutationContext {
	if ctx == nil {
		return nil
	}
	mc, _ := ctx.Value(mutationContextKey{}).(*MutationContext)
	return mc
}
