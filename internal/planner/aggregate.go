package planner

import (
	"context"

	"entityql/internal/apierr"
	"entityql/internal/schema"
	"entityql/internal/sqlutil"
)

// CompileAggregate replaces q's columns with the requested aggregates and
// compiles where and group through Compile at the same depth. When
// correlatedKey is set it is selected first and grouped on, so one query
// serves a batch of parents.
func (c *Compiler) CompileAggregate(
	ctx context.Context,
	req *Request,
	q *sqlutil.Query,
	e *schema.Entity,
	where map[string]interface{},
	selections []AggregateSelection,
	group GroupSelection,
	depth int,
	correlatedKey string,
) (*sqlutil.Query, []GroupColumn, error) {
	if depth >= MaxFilterDepth {
		return nil, nil, ErrMaxFilterDepthExceeded
	}
	if len(selections) == 0 {
		return nil, nil, ErrNoAggregateFunctionsSelected
	}

	q.ResetColumns()
	if correlatedKey != "" {
		q.Select(q.Col(correlatedKey), correlatedKey)
	}
	for _, sel := range selections {
		if err := c.selectAggregate(q, e, sel); err != nil {
			return nil, nil, err
		}
	}

	q, _, groups, err := c.Compile(ctx, req, q, e, where, nil, group, depth)
	if err != nil {
		return nil, nil, err
	}
	if correlatedKey != "" {
		q.GroupBy(q.Col(correlatedKey))
	}
	for _, g := range groups {
		if correlatedKey != "" && g.Name == correlatedKey {
			continue
		}
		q.GroupBy(g.Expr)
	}
	return q, groups, nil
}

func (c *Compiler) selectAggregate(q *sqlutil.Query, e *schema.Entity, sel AggregateSelection) error {
	fn, err := c.dialect.AggregateFunc(sel.Func)
	if err != nil {
		return apierr.Wrap(err, apierr.CodeBadRequest, err.Error())
	}

	if sel.Func == AggCount {
		target := q.Col(e.PrimaryKey().Name)
		if len(sel.Columns) > 0 {
			col, err := aggregateColumn(e, sel.Columns[0])
			if err != nil {
				return err
			}
			target = q.Col(col.Name)
			if sel.Distinct {
				target = "DISTINCT " + target
			}
		}
		expr := fn + "(" + target + ")"
		q.Select(expr, sel.Label(""))
		if len(sel.Having) > 0 {
			preds, err := ApplyComparators(c.dialect, expr, sel.Having)
			if err != nil {
				return err
			}
			for _, p := range preds {
				q.Having(p)
			}
		}
		return nil
	}

	if len(sel.Columns) == 0 {
		return apierr.Errorf(apierr.CodeBadRequest, "%s requires at least one column", sel.Func)
	}
	for _, name := range sel.Columns {
		col, err := aggregateColumn(e, name)
		if err != nil {
			return err
		}
		if NumericAggregator(sel.Func) && !col.Type.Numeric() {
			return apierr.Errorf(apierr.CodeBadRequest, "%s is not numeric and cannot be used with %s", name, sel.Func)
		}
		q.Select(fn+"("+q.Col(col.Name)+")", sel.Label(col.Name))
	}
	return nil
}

func aggregateColumn(e *schema.Entity, name string) (schema.Column, error) {
	ref, err := e.Lookup(name)
	if err != nil {
		return schema.Column{}, err
	}
	if ref.Kind != schema.FieldScalar {
		return schema.Column{}, apierr.Errorf(apierr.CodeBadRequest, "cannot aggregate %s", name)
	}
	return ref.Column, nil
}
