package planner

import (
	"context"
	"sort"

	"entityql/internal/schema"
	"entityql/internal/sqlutil"
)

// SelectOptions shape a top-level row query.
type SelectOptions struct {
	// Relationship is passed to the authz client when the rows are fetched
	// through a relationship.
	Relationship *schema.Relationship
	Limit        *uint64
	Offset       *uint64
	// StableOrder appends the primary key as a final tiebreaker.
	StableOrder bool
}

// Select compiles a full row query for e.
func (c *Compiler) Select(
	ctx context.Context,
	req *Request,
	e *schema.Entity,
	where map[string]interface{},
	orderBy []map[string]interface{},
	opts SelectOptions,
) (*sqlutil.Query, error) {
	q, err := c.ResourceQuery(ctx, req, e, opts.Relationship, e.Table)
	if err != nil {
		return nil, err
	}
	entries := make([]OrderEntry, len(orderBy))
	for i, field := range orderBy {
		entries[i] = OrderEntry{Field: field, Index: i}
	}

	q, order, _, err := c.Compile(ctx, req, q, e, where, entries, nil, 0)
	if err != nil {
		return nil, err
	}
	ApplyOrder(q, order)
	if opts.StableOrder {
		q.OrderBy(q.Col(e.PrimaryKey().Name))
	}
	if opts.Limit != nil {
		q.Limit(*opts.Limit)
	}
	if opts.Offset != nil {
		q.Offset(*opts.Offset)
	}
	return q, nil
}

// ApplyOrder sorts order columns by their declared index and applies them
// as ORDER BY.
func ApplyOrder(q *sqlutil.Query, order []OrderColumn) {
	sorted := append([]OrderColumn(nil), order...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	for _, oc := range sorted {
		q.OrderBy(q.Dialect().OrderTerms(oc.Expr, oc.Direction.Desc, oc.Direction.Nulls)...)
	}
}

// AggregateOptions shape a top-level aggregate query.
type AggregateOptions struct {
	Relationship *schema.Relationship
	// CorrelatedKey groups the aggregate per value of a column, for batching
	// relationship aggregates over many parents.
	CorrelatedKey string
}

// Aggregate compiles a full aggregate query for e.
func (c *Compiler) Aggregate(
	ctx context.Context,
	req *Request,
	e *schema.Entity,
	where map[string]interface{},
	selections []AggregateSelection,
	group GroupSelection,
	opts AggregateOptions,
) (*sqlutil.Query, []GroupColumn, error) {
	q, err := c.ResourceQuery(ctx, req, e, opts.Relationship, e.Table)
	if err != nil {
		return nil, nil, err
	}
	return c.CompileAggregate(ctx, req, q, e, where, selections, group, 0, opts.CorrelatedKey)
}
