package resolver

import (
	"sort"
	"strconv"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"

	"entityql/internal/apierr"
	"entityql/internal/planner"
	"entityql/internal/schema"
)

const (
	aggregateField = "aggregate"
	groupByField   = "groupBy"
)

// aggregateResult is the value of an <Entity>Aggregate object.
type aggregateResult struct {
	groups []map[string]interface{}
}

// aggregateType returns <Entity>Aggregate, holding one group per result row.
func (r *Resolver) aggregateType(e *schema.Entity) *graphql.Object {
	name := e.TypeName + "Aggregate"

	r.mu.RLock()
	if cached, ok := r.aggregateCache[name]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	group := r.aggregateGroupType(e)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.aggregateCache[name]; ok {
		return cached
	}
	obj := graphql.NewObject(graphql.ObjectConfig{
		Name: name,
		Fields: graphql.Fields{
			aggregateField: &graphql.Field{
				Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(group))),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					res, ok := p.Source.(*aggregateResult)
					if !ok {
						return nil, nil
					}
					return res.groups, nil
				},
			},
		},
	})
	r.aggregateCache[name] = obj
	return obj
}

func (r *Resolver) aggregateGroupType(e *schema.Entity) *graphql.Object {
	name := e.TypeName + "AggregateGroup"

	r.mu.RLock()
	if cached, ok := r.aggregateCache[name]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	columns := r.columnEnum(e)
	intCmp := r.comparatorInput(schema.TypeInt)
	numeric := r.aggregateColumnsType(e, e.TypeName+"NumericAggregate", numericColumn, func(schema.Column) graphql.Output {
		return graphql.Float
	})
	minMax := r.aggregateColumnsType(e, e.TypeName+"MinMaxAggregate", comparableColumn, func(col schema.Column) graphql.Output {
		return r.scalarType(col.Type)
	})
	groupBy := r.groupByType(e)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.aggregateCache[name]; ok {
		return cached
	}
	fields := graphql.Fields{
		planner.AggCount: &graphql.Field{
			Type: graphql.NewNonNull(graphql.Int),
			Args: graphql.FieldConfigArgument{
				"columns":  &graphql.ArgumentConfig{Type: graphql.NewList(graphql.NewNonNull(columns))},
				"distinct": &graphql.ArgumentConfig{Type: graphql.Boolean},
				"having":   &graphql.ArgumentConfig{Type: intCmp},
			},
		},
		groupByField: &graphql.Field{Type: groupBy},
	}
	if numeric != nil {
		for _, fn := range []string{planner.AggSum, planner.AggAvg, planner.AggStddev, planner.AggVariance} {
			fields[fn] = &graphql.Field{Type: numeric}
		}
	}
	if minMax != nil {
		fields[planner.AggMin] = &graphql.Field{Type: minMax}
		fields[planner.AggMax] = &graphql.Field{Type: minMax}
	}
	obj := graphql.NewObject(graphql.ObjectConfig{Name: name, Fields: fields})
	r.aggregateCache[name] = obj
	return obj
}

func numericColumn(col schema.Column) bool {
	return col.Type.Numeric()
}

// comparableColumn excludes types without MIN and MAX on every dialect.
func comparableColumn(col schema.Column) bool {
	return col.Type != schema.TypeBool && col.Type != schema.TypeUUID
}

// aggregateColumnsType builds an object with one field per matching column,
// or nil when no column matches.
func (r *Resolver) aggregateColumnsType(e *schema.Entity, name string, match func(schema.Column) bool, typ func(schema.Column) graphql.Output) *graphql.Object {
	fields := graphql.Fields{}
	for _, col := range e.Columns {
		if match(col) {
			fields[col.Field] = &graphql.Field{Type: typ(col)}
		}
	}
	if len(fields) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.aggregateCache[name]; ok {
		return cached
	}
	obj := graphql.NewObject(graphql.ObjectConfig{Name: name, Fields: fields})
	r.aggregateCache[name] = obj
	return obj
}

// groupByType exposes the columns of an entity and, through to-one
// relationships, of its parents.
func (r *Resolver) groupByType(e *schema.Entity) *graphql.Object {
	name := e.TypeName + "GroupBy"

	r.mu.RLock()
	if cached, ok := r.aggregateCache[name]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.aggregateCache[name]; ok {
		return cached
	}
	obj := graphql.NewObject(graphql.ObjectConfig{
		Name: name,
		Fields: graphql.FieldsThunk(func() graphql.Fields {
			fields := graphql.Fields{}
			for _, col := range e.Columns {
				fields[col.Field] = &graphql.Field{Type: r.scalarType(col.Type)}
			}
			for i := range e.Relationships {
				rel := &e.Relationships[i]
				if rel.Entity == nil || rel.ToMany() {
					continue
				}
				fields[rel.Field] = &graphql.Field{Type: r.groupByType(rel.Entity)}
			}
			return fields
		}),
	})
	r.aggregateCache[name] = obj
	return obj
}

// aggregateRequest is the parsed selection of an aggregate field.
type aggregateRequest struct {
	selections []planner.AggregateSelection
	group      planner.GroupSelection
}

// parseAggregateRequest walks the selection set below an aggregate field and
// collects the functions and grouping it asks for.
func parseAggregateRequest(e *schema.Entity, info graphql.ResolveInfo) (*aggregateRequest, error) {
	req := &aggregateRequest{}
	columns := make(map[string][]string)
	counted := false

	for _, field := range info.FieldASTs {
		for _, agg := range collectFields(field.SelectionSet, info.Fragments) {
			if agg.Name.Value != aggregateField {
				continue
			}
			for _, fn := range collectFields(agg.SelectionSet, info.Fragments) {
				switch name := fn.Name.Value; name {
				case planner.AggCount:
					sel, err := countSelection(fn, info.VariableValues)
					if err != nil {
						return nil, err
					}
					if counted && !sameCount(req.selections, sel) {
						return nil, apierr.New(apierr.CodeBadRequest, "count may only be selected with one set of arguments")
					}
					if !counted {
						req.selections = append(req.selections, sel)
						counted = true
					}
				case planner.AggSum, planner.AggAvg, planner.AggStddev, planner.AggVariance, planner.AggMin, planner.AggMax:
					for _, colField := range collectFields(fn.SelectionSet, info.Fragments) {
						ref, err := e.Lookup(colField.Name.Value)
						if err != nil {
							return nil, err
						}
						columns[name] = appendUnique(columns[name], ref.Column.Name)
					}
				case groupByField:
					group, err := groupSelection(e, fn.SelectionSet, info.Fragments)
					if err != nil {
						return nil, err
					}
					req.group = mergeGroups(req.group, group)
				}
			}
		}
	}

	for _, fn := range planner.Aggregators() {
		if cols := columns[fn]; len(cols) > 0 {
			req.selections = append(req.selections, planner.AggregateSelection{Func: fn, Columns: cols})
		}
	}
	return req, nil
}

func countSelection(field *ast.Field, vars map[string]interface{}) (planner.AggregateSelection, error) {
	sel := planner.AggregateSelection{Func: planner.AggCount}
	for _, arg := range field.Arguments {
		value := valueFromAST(arg.Value, vars)
		switch arg.Name.Value {
		case "columns":
			list, _ := value.([]interface{})
			if len(list) > 1 {
				return sel, apierr.New(apierr.CodeBadRequest, "count accepts at most one column")
			}
			for _, v := range list {
				if s, ok := v.(string); ok {
					sel.Columns = append(sel.Columns, s)
				}
			}
		case "distinct":
			sel.Distinct, _ = value.(bool)
		case "having":
			sel.Having, _ = value.(map[string]interface{})
		}
	}
	return sel, nil
}

func sameCount(selections []planner.AggregateSelection, sel planner.AggregateSelection) bool {
	for _, existing := range selections {
		if existing.Func != planner.AggCount {
			continue
		}
		return existing.Distinct == sel.Distinct &&
			len(existing.Columns) == len(sel.Columns) &&
			(len(sel.Columns) == 0 || existing.Columns[0] == sel.Columns[0]) &&
			len(existing.Having) == 0 && len(sel.Having) == 0
	}
	return false
}

func groupSelection(e *schema.Entity, set *ast.SelectionSet, fragments map[string]ast.Definition) (planner.GroupSelection, error) {
	group := planner.GroupSelection{}
	for _, field := range collectFields(set, fragments) {
		name := field.Name.Value
		ref, err := e.Lookup(name)
		if err != nil {
			return nil, err
		}
		switch ref.Kind {
		case schema.FieldScalar:
			group[name] = nil
		case schema.FieldRelationship:
			nested, err := groupSelection(ref.Relationship.Entity, field.SelectionSet, fragments)
			if err != nil {
				return nil, err
			}
			group[name] = mergeGroups(group[name], nested)
		default:
			return nil, apierr.Errorf(apierr.CodeBadRequest, "cannot group by %s", name)
		}
	}
	return group, nil
}

func mergeGroups(a, b planner.GroupSelection) planner.GroupSelection {
	if a == nil {
		return b
	}
	for k, v := range b {
		if existing, ok := a[k]; ok && existing != nil {
			a[k] = mergeGroups(existing, v)
			continue
		}
		a[k] = v
	}
	return a
}

// collectFields flattens fragments and skips introspection fields.
func collectFields(set *ast.SelectionSet, fragments map[string]ast.Definition) []*ast.Field {
	if set == nil {
		return nil
	}
	var out []*ast.Field
	visited := make(map[string]struct{})
	var visit func(selections []ast.Selection)
	visit = func(selections []ast.Selection) {
		for _, selection := range selections {
			switch sel := selection.(type) {
			case *ast.Field:
				if sel.Name == nil || len(sel.Name.Value) > 1 && sel.Name.Value[:2] == "__" {
					continue
				}
				out = append(out, sel)
			case *ast.InlineFragment:
				if sel.SelectionSet != nil {
					visit(sel.SelectionSet.Selections)
				}
			case *ast.FragmentSpread:
				if fragments == nil || sel.Name == nil {
					continue
				}
				if _, seen := visited[sel.Name.Value]; seen {
					continue
				}
				fragment, ok := fragments[sel.Name.Value].(*ast.FragmentDefinition)
				if !ok || fragment.SelectionSet == nil {
					continue
				}
				visited[sel.Name.Value] = struct{}{}
				visit(fragment.SelectionSet.Selections)
			}
		}
	}
	visit(set.Selections)
	return out
}

// valueFromAST converts an argument literal, substituting variables.
func valueFromAST(value ast.Value, vars map[string]interface{}) interface{} {
	switch v := value.(type) {
	case *ast.Variable:
		if v.Name == nil {
			return nil
		}
		return vars[v.Name.Value]
	case *ast.IntValue:
		n, err := strconv.Atoi(v.Value)
		if err != nil {
			return nil
		}
		return n
	case *ast.FloatValue:
		f, err := strconv.ParseFloat(v.Value, 64)
		if err != nil {
			return nil
		}
		return f
	case *ast.StringValue:
		return v.Value
	case *ast.BooleanValue:
		return v.Value
	case *ast.EnumValue:
		return v.Value
	case *ast.ListValue:
		out := make([]interface{}, 0, len(v.Values))
		for _, item := range v.Values {
			out = append(out, valueFromAST(item, vars))
		}
		return out
	case *ast.ObjectValue:
		out := make(map[string]interface{}, len(v.Fields))
		for _, f := range v.Fields {
			out[f.Name.Value] = valueFromAST(f.Value, vars)
		}
		return out
	default:
		return nil
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// shapeAggregateRows turns labelled result rows into AggregateGroup values.
func shapeAggregateRows(e *schema.Entity, req *aggregateRequest, rows []map[string]interface{}) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		group := make(map[string]interface{})
		for _, sel := range req.selections {
			if sel.Func == planner.AggCount {
				group[planner.AggCount] = row[planner.AggCount]
				continue
			}
			values := make(map[string]interface{}, len(sel.Columns))
			for _, name := range sel.Columns {
				col, _ := e.Column(name)
				values[col.Field] = row[sel.Label(name)]
			}
			group[sel.Func] = values
		}
		if len(req.group) > 0 {
			group[groupByField] = shapeGroup(e, req.group, row, "")
		}
		out = append(out, group)
	}
	return out
}

// shapeGroup reads group columns labelled "<relationship>.<column>" by the
// compiler back into nested objects keyed by field name.
func shapeGroup(e *schema.Entity, group planner.GroupSelection, row map[string]interface{}, prefix string) map[string]interface{} {
	keys := make([]string, 0, len(group))
	for k := range group {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]interface{}, len(group))
	for _, key := range keys {
		ref, err := e.Lookup(key)
		if err != nil {
			continue
		}
		switch ref.Kind {
		case schema.FieldScalar:
			out[key] = row[prefix+ref.Column.Name]
		case schema.FieldRelationship:
			out[key] = shapeGroup(ref.Relationship.Entity, group[key], row, prefix+ref.Relationship.Name+".")
		}
	}
	return out
}

// aggregateGroups converts a loader result into shaped groups.
func aggregateGroups(e *schema.Entity, req *aggregateRequest, v interface{}) *aggregateResult {
	rows, _ := v.([]map[string]interface{})
	return &aggregateResult{groups: shapeAggregateRows(e, req, rows)}
}

// relationshipAggregateField resolves <relationship>Aggregate through the
// request's batch loaders, one grouped query per relationship and arguments.
func (r *Resolver) relationshipAggregateField(rel *schema.Relationship) *graphql.Field {
	target := rel.Entity
	return &graphql.Field{
		Type: graphql.NewNonNull(r.aggregateType(target)),
		Args: graphql.FieldConfigArgument{
			"where": &graphql.ArgumentConfig{Type: r.whereInput(target)},
		},
		Resolve: r.guard(func(p graphql.ResolveParams) (interface{}, error) {
			row, ok := p.Source.(map[string]interface{})
			if !ok {
				return nil, nil
			}
			req, err := parseAggregateRequest(target, p.Info)
			if err != nil {
				return nil, err
			}
			l, err := r.entityLoader(p.Context).AggregateLoaderFor(rel, whereArg(p.Args), req.selections, req.group)
			if err != nil {
				return nil, err
			}
			thunk := l.Load(p.Context, row[rel.Keys[0].Local])
			return r.guardThunk(p, func() (interface{}, error) {
				v, err := thunk()
				if err != nil {
					return nil, err
				}
				return aggregateGroups(target, req, v), nil
			}), nil
		}),
	}
}

// resolveAggregate runs a root aggregate query.
func (r *Resolver) resolveAggregate(e *schema.Entity) graphql.FieldResolveFn {
	return r.guard(func(p graphql.ResolveParams) (interface{}, error) {
		req, err := parseAggregateRequest(e, p.Info)
		if err != nil {
			return nil, err
		}
		q, _, err := r.compiler.Aggregate(p.Context, r.request(p.Context, viewAction), e, whereArg(p.Args), req.selections, req.group, planner.AggregateOptions{})
		if err != nil {
			return nil, err
		}
		rows, err := r.fetch(p.Context, q, e)
		if err != nil {
			return nil, err
		}
		return &aggregateResult{groups: shapeAggregateRows(e, req, rows)}, nil
	})
}
