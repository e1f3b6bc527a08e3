package planner

import (
	"context"
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"entityql/internal/apierr"
	"entityql/internal/authz"
	"entityql/internal/schema"
	"entityql/internal/sqlutil"
)

type relationshipFilter struct {
	rel   *schema.Relationship
	where map[string]interface{}
}

// relationshipJoin collects the order and group entries deferred to one
// relationship; they share a single JOIN.
type relationshipJoin struct {
	rel   *schema.Relationship
	order []OrderEntry
	group GroupSelection
}

// Compile applies where, order and group arguments for entity e to q, which
// must be a scoped base query for e. Relationship filters become correlated
// EXISTS subqueries; relationship order and group entries JOIN a derived table
// and surface its columns. The returned order and group columns are resolved
// against q; only the top level applies ORDER BY and GROUP BY.
func (c *Compiler) Compile(
	ctx context.Context,
	req *Request,
	q *sqlutil.Query,
	e *schema.Entity,
	where map[string]interface{},
	order []OrderEntry,
	group GroupSelection,
	depth int,
) (*sqlutil.Query, []OrderColumn, []GroupColumn, error) {
	if depth >= MaxFilterDepth {
		return nil, nil, nil, ErrMaxFilterDepthExceeded
	}

	local := make(map[string]interface{})
	var filters []relationshipFilter
	var aggFilters []relationshipFilter
	for _, key := range sortedKeys(where) {
		ref, err := e.Lookup(key)
		if err != nil {
			return nil, nil, nil, err
		}
		value, err := asObject(key, where[key])
		if err != nil {
			return nil, nil, nil, err
		}
		switch ref.Kind {
		case schema.FieldScalar:
			mergeOps(local, ref.Column.Name, value)
		case schema.FieldRelationship:
			filters = append(filters, relationshipFilter{rel: ref.Relationship, where: value})
		case schema.FieldAggregate:
			aggFilters = append(aggFilters, relationshipFilter{rel: ref.Relationship, where: value})
		}
	}

	var localOrder []OrderColumn
	var joins []*relationshipJoin
	joinFor := func(rel *schema.Relationship) *relationshipJoin {
		for _, j := range joins {
			if j.rel == rel {
				return j
			}
		}
		j := &relationshipJoin{rel: rel}
		joins = append(joins, j)
		return j
	}
	for _, entry := range order {
		for _, key := range sortedKeys(entry.Field) {
			ref, err := e.Lookup(key)
			if err != nil {
				return nil, nil, nil, err
			}
			switch ref.Kind {
			case schema.FieldScalar:
				name, _ := entry.Field[key].(string)
				dir, err := ParseDirection(name)
				if err != nil {
					return nil, nil, nil, err
				}
				localOrder = append(localOrder, OrderColumn{
					Name:      ref.Column.Name,
					Expr:      q.Col(ref.Column.Name),
					Direction: dir,
					Index:     entry.Index,
				})
			case schema.FieldRelationship:
				nested, err := asObject(key, entry.Field[key])
				if err != nil {
					return nil, nil, nil, err
				}
				j := joinFor(ref.Relationship)
				j.order = append(j.order, OrderEntry{Field: nested, Index: entry.Index})
			default:
				return nil, nil, nil, apierr.Errorf(apierr.CodeBadRequest, "cannot order by %s", key)
			}
		}
	}

	var localGroup []GroupColumn
	for _, key := range sortedGroupKeys(group) {
		ref, err := e.Lookup(key)
		if err != nil {
			return nil, nil, nil, err
		}
		switch ref.Kind {
		case schema.FieldScalar:
			name := ref.Column.Name
			if !q.HasColumn(name) {
				q.Select(q.Col(name), name)
			}
			localGroup = append(localGroup, GroupColumn{Name: name, Expr: q.Col(name)})
		case schema.FieldRelationship:
			if len(group[key]) == 0 {
				return nil, nil, nil, apierr.Errorf(apierr.CodeBadRequest, "group by %s requires a field selection", key)
			}
			joinFor(ref.Relationship).group = group[key]
		default:
			return nil, nil, nil, apierr.Errorf(apierr.CodeBadRequest, "cannot group by %s", key)
		}
	}

	// Every entity passes through the authz filter hook, whatever its depth.
	if err := c.clientFor(ctx).ModifyWhereClause(ctx, req.Principal, req.Action, e, local); err != nil {
		return nil, nil, nil, err
	}
	if e.HasSoftDelete() && req.Action != authz.ActionDelete {
		if _, ok := local[schema.SoftDeleteColumn]; !ok {
			local[schema.SoftDeleteColumn] = map[string]interface{}{"_is_null": true}
		}
	}

	for _, f := range filters {
		sub, err := c.relationshipQuery(ctx, req, f.rel, depth)
		if err != nil {
			return nil, nil, nil, err
		}
		sub, _, _, err = c.Compile(ctx, req, sub, f.rel.Entity, f.where, nil, nil, depth+1)
		if err != nil {
			return nil, nil, nil, err
		}
		sub.ResetColumns()
		sub.Select("1", "")
		correlate(q, sub, f.rel)
		q.Where(sub.Exists())
	}

	for _, f := range aggFilters {
		sel, filter, err := aggregateFilterSelection(f.rel.Entity, f.where)
		if err != nil {
			return nil, nil, nil, err
		}
		sub, err := c.relationshipQuery(ctx, req, f.rel, depth)
		if err != nil {
			return nil, nil, nil, err
		}
		sub, _, err = c.CompileAggregate(ctx, req, sub, f.rel.Entity, filter, []AggregateSelection{sel}, nil, depth+1, "")
		if err != nil {
			return nil, nil, nil, err
		}
		correlate(q, sub, f.rel)
		q.Where(sub.Exists())
	}

	for _, j := range joins {
		sub, err := c.relationshipQuery(ctx, req, j.rel, depth)
		if err != nil {
			return nil, nil, nil, err
		}
		sub, subOrder, subGroup, err := c.Compile(ctx, req, sub, j.rel.Entity, nil, j.order, j.group, depth+1)
		if err != nil {
			return nil, nil, nil, err
		}
		joinAlias := req.nextAlias(j.rel.Name)
		on := make(sq.And, 0, len(j.rel.Keys))
		for _, kp := range j.rel.Keys {
			on = append(on, sqlutil.ColumnEq(q.Col(kp.Local), q.Qualify(joinAlias, kp.Remote)))
		}
		q.Join(sub, joinAlias, on)

		for n, oc := range subOrder {
			label := fmt.Sprintf("%s_order_field_%d", j.rel.Name, n)
			expr := q.Qualify(joinAlias, oc.Name)
			q.Select(expr, label)
			localOrder = append(localOrder, OrderColumn{Name: label, Expr: expr, Direction: oc.Direction, Index: oc.Index})
		}
		for _, gc := range subGroup {
			label := j.rel.Name + "." + gc.Name
			expr := q.Qualify(joinAlias, gc.Name)
			q.Select(expr, label)
			localGroup = append(localGroup, GroupColumn{Name: label, Expr: expr})
		}
	}

	for _, key := range sortedKeys(local) {
		col, err := localColumn(e, key)
		if err != nil {
			return nil, nil, nil, err
		}
		ops, err := asObject(key, local[key])
		if err != nil {
			return nil, nil, nil, err
		}
		preds, err := ApplyComparators(c.dialect, q.Col(col.Name), ops)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("filter on %s: %w", key, err)
		}
		for _, p := range preds {
			q.Where(p)
		}
	}

	return q, localOrder, localGroup, nil
}

// relationshipQuery returns the scoped base query for a relationship target.
func (c *Compiler) relationshipQuery(ctx context.Context, req *Request, rel *schema.Relationship, depth int) (*sqlutil.Query, error) {
	if depth+1 >= MaxFilterDepth {
		return nil, ErrMaxFilterDepthExceeded
	}
	if len(rel.Keys) == 0 || rel.Entity == nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRelationship, rel.ID())
	}
	return c.ResourceQuery(ctx, req, rel.Entity, rel, req.nextAlias(rel.Entity.Table))
}

// correlate ties sub's rows to the current row of outer.
func correlate(outer, sub *sqlutil.Query, rel *schema.Relationship) {
	for _, kp := range rel.Keys {
		sub.Where(sqlutil.ColumnEq(sub.Col(kp.Remote), outer.Col(kp.Local)))
	}
}

// aggregateFilterSelection rebuilds a count selection from an aggregate
// filter: {count: {predicate, distinct, arguments, filter}}.
func aggregateFilterSelection(e *schema.Entity, value map[string]interface{}) (AggregateSelection, map[string]interface{}, error) {
	raw, ok := value[AggCount]
	if !ok || raw == nil {
		return AggregateSelection{}, nil, ErrNoAggregateFunctionsSelected
	}
	count, err := asObject(AggCount, raw)
	if err != nil {
		return AggregateSelection{}, nil, err
	}
	sel := AggregateSelection{Func: AggCount}
	if pred, ok := count["predicate"]; ok && pred != nil {
		if sel.Having, err = asObject("predicate", pred); err != nil {
			return AggregateSelection{}, nil, err
		}
	}
	if distinct, ok := count["distinct"].(bool); ok {
		sel.Distinct = distinct
	}
	if arg, ok := count["arguments"].(string); ok && arg != "" {
		sel.Columns = []string{arg}
	}
	var filter map[string]interface{}
	if f, ok := count["filter"]; ok && f != nil {
		if filter, err = asObject("filter", f); err != nil {
			return AggregateSelection{}, nil, err
		}
	}
	return sel, filter, nil
}

// localColumn resolves a filter key left after the authz hook to a column.
func localColumn(e *schema.Entity, key string) (schema.Column, error) {
	if col, ok := e.Column(key); ok {
		return col, nil
	}
	ref, err := e.Lookup(key)
	if err != nil {
		return schema.Column{}, err
	}
	if ref.Kind != schema.FieldScalar {
		return schema.Column{}, fmt.Errorf("%w %q on %s: not a column", schema.ErrUnknownField, key, e.Name)
	}
	return ref.Column, nil
}

func asObject(key string, v interface{}) (map[string]interface{}, error) {
	if v == nil {
		return map[string]interface{}{}, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, apierr.Errorf(apierr.CodeBadRequest, "%s must be an object", key)
	}
	return m, nil
}

// mergeOps folds comparators into local[column]; "id" and the primary key
// column name may both appear in one filter.
func mergeOps(local map[string]interface{}, column string, ops map[string]interface{}) {
	existing, ok := local[column].(map[string]interface{})
	if !ok {
		local[column] = ops
		return
	}
	merged := make(map[string]interface{}, len(existing)+len(ops))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range ops {
		merged[k] = v
	}
	local[column] = merged
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedGroupKeys(g GroupSelection) []string {
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
