package resolver

import (
	"fmt"

	"github.com/graphql-go/graphql"

	"entityql/internal/nodeid"
	"entityql/internal/planner"
	"entityql/internal/scalars"
	"entityql/internal/schema"
)

const typeNameKey = "__typename"

// scalarType returns the GraphQL scalar for a column type. Custom scalars are
// created once per resolver; a schema rejects two types with one name.
func (r *Resolver) scalarType(t schema.ColumnType) graphql.Output {
	switch t {
	case schema.TypeInt:
		return graphql.Int
	case schema.TypeFloat:
		return graphql.Float
	case schema.TypeBool:
		return graphql.Boolean
	case schema.TypeString:
		return graphql.String
	}

	r.mu.RLock()
	cached, ok := r.scalarCache[t]
	r.mu.RUnlock()
	if ok {
		return cached
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.scalarCache[t]; ok {
		return cached
	}
	var s *graphql.Scalar
	switch t {
	case schema.TypeUUID:
		s = scalars.UUID()
	case schema.TypeDate:
		s = scalars.Date()
	default:
		s = scalars.DateTime()
	}
	r.scalarCache[t] = s
	return s
}

func (r *Resolver) scalarInput(t schema.ColumnType) graphql.Input {
	return r.scalarType(t).(graphql.Input)
}

// columnFieldName is the output field of a column. A primary key called id
// is exposed as databaseId since id carries the global node ID.
func columnFieldName(col schema.Column) string {
	if col.PrimaryKey && col.Field == "id" {
		return "databaseId"
	}
	return col.Field
}

func (r *Resolver) nodeInterfaceType() *graphql.Interface {
	r.mu.RLock()
	if r.nodeInterface != nil {
		defer r.mu.RUnlock()
		return r.nodeInterface
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nodeInterface != nil {
		return r.nodeInterface
	}
	r.nodeInterface = graphql.NewInterface(graphql.InterfaceConfig{
		Name:        "Node",
		Description: "An object with a globally unique ID.",
		Fields: graphql.Fields{
			"id": &graphql.Field{Type: graphql.NewNonNull(graphql.ID)},
		},
		ResolveType: func(p graphql.ResolveTypeParams) *graphql.Object {
			row, ok := p.Value.(map[string]interface{})
			if !ok {
				return nil
			}
			name, _ := row[typeNameKey].(string)
			e, ok := r.registry.EntityByType(name)
			if !ok {
				return nil
			}
			return r.entityType(e)
		},
	})
	return r.nodeInterface
}

// entityType returns the object type of an entity. Fields are a thunk so
// relationships may reference types still being built.
func (r *Resolver) entityType(e *schema.Entity) *graphql.Object {
	r.mu.RLock()
	if cached, ok := r.typeCache[e.Name]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	node := r.nodeInterfaceType()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.typeCache[e.Name]; ok {
		return cached
	}
	obj := graphql.NewObject(graphql.ObjectConfig{
		Name:       e.TypeName,
		Interfaces: []*graphql.Interface{node},
		Fields: graphql.FieldsThunk(func() graphql.Fields {
			return r.entityFields(e)
		}),
	})
	r.typeCache[e.Name] = obj
	return obj
}

func (r *Resolver) entityFields(e *schema.Entity) graphql.Fields {
	pk := e.PrimaryKey()
	fields := graphql.Fields{
		"id": &graphql.Field{
			Type: graphql.NewNonNull(graphql.ID),
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				row, ok := p.Source.(map[string]interface{})
				if !ok {
					return nil, nil
				}
				return nodeid.Encode(e.TypeName, row[pk.Name]), nil
			},
		},
	}
	for _, col := range e.Columns {
		col := col
		var typ graphql.Output = r.scalarType(col.Type)
		if !col.Nullable {
			typ = graphql.NewNonNull(typ)
		}
		fields[columnFieldName(col)] = &graphql.Field{
			Type: typ,
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				row, ok := p.Source.(map[string]interface{})
				if !ok {
					return nil, nil
				}
				return row[col.Name], nil
			},
		}
	}
	for i := range e.Relationships {
		rel := &e.Relationships[i]
		if rel.Entity == nil {
			continue
		}
		if rel.ToMany() {
			fields[rel.Field] = r.toManyField(rel)
		} else {
			fields[rel.Field] = r.toOneField(rel)
		}
		fields[r.namer.AggregateFieldName(rel.Field)] = r.relationshipAggregateField(rel)
	}
	return fields
}

func (r *Resolver) comparatorInput(t schema.ColumnType) *graphql.InputObject {
	name := comparatorTypeName(t)

	r.mu.RLock()
	if cached, ok := r.filterCache[name]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	scalar := r.scalarInput(t)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.filterCache[name]; ok {
		return cached
	}
	fields := graphql.InputObjectConfigFieldMap{
		"_eq":      &graphql.InputObjectFieldConfig{Type: scalar},
		"_neq":     &graphql.InputObjectFieldConfig{Type: scalar},
		"_is_null": &graphql.InputObjectFieldConfig{Type: graphql.Boolean},
	}
	if t != schema.TypeBool {
		for _, op := range []string{"_gt", "_gte", "_lt", "_lte"} {
			fields[op] = &graphql.InputObjectFieldConfig{Type: scalar}
		}
		for _, op := range []string{"_in", "_nin"} {
			fields[op] = &graphql.InputObjectFieldConfig{Type: graphql.NewList(graphql.NewNonNull(scalar))}
		}
	}
	if t == schema.TypeString {
		for _, op := range []string{"_like", "_ilike", "_regex", "_iregex", "_nregex", "_niregex"} {
			fields[op] = &graphql.InputObjectFieldConfig{Type: graphql.String}
		}
	}
	input := graphql.NewInputObject(graphql.InputObjectConfig{
		Name:   name,
		Fields: fields,
	})
	r.filterCache[name] = input
	return input
}

func comparatorTypeName(t schema.ColumnType) string {
	switch t {
	case schema.TypeInt:
		return "IntComparators"
	case schema.TypeFloat:
		return "FloatComparators"
	case schema.TypeBool:
		return "BooleanComparators"
	case schema.TypeUUID:
		return "UUIDComparators"
	case schema.TypeDate:
		return "DateComparators"
	case schema.TypeDateTime:
		return "DateTimeComparators"
	default:
		return "StringComparators"
	}
}

// whereInput returns the filter input of an entity. Relationship fields take
// the target's filter, aggregate fields a count predicate over the target.
func (r *Resolver) whereInput(e *schema.Entity) *graphql.InputObject {
	name := e.TypeName + "WhereInput"

	r.mu.RLock()
	if cached, ok := r.whereCache[name]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.whereCache[name]; ok {
		return cached
	}
	input := graphql.NewInputObject(graphql.InputObjectConfig{
		Name: name,
		Fields: graphql.InputObjectConfigFieldMapThunk(func() graphql.InputObjectConfigFieldMap {
			fields := graphql.InputObjectConfigFieldMap{}
			for _, col := range e.Columns {
				fields[col.Field] = &graphql.InputObjectFieldConfig{Type: r.comparatorInput(col.Type)}
			}
			for i := range e.Relationships {
				rel := &e.Relationships[i]
				if rel.Entity == nil {
					continue
				}
				fields[rel.Field] = &graphql.InputObjectFieldConfig{Type: r.whereInput(rel.Entity)}
				fields[r.namer.AggregateFieldName(rel.Field)] = &graphql.InputObjectFieldConfig{
					Type: r.aggregateFilterInput(rel.Entity),
				}
			}
			return fields
		}),
	})
	r.whereCache[name] = input
	return input
}

// aggregateFilterInput is {count: {predicate, distinct, arguments, filter}}.
func (r *Resolver) aggregateFilterInput(e *schema.Entity) *graphql.InputObject {
	name := e.TypeName + "AggregateWhereInput"

	r.mu.RLock()
	if cached, ok := r.whereCache[name]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	intCmp := r.comparatorInput(schema.TypeInt)
	columns := r.columnEnum(e)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.whereCache[name]; ok {
		return cached
	}
	count := graphql.NewInputObject(graphql.InputObjectConfig{
		Name: e.TypeName + "CountPredicateInput",
		Fields: graphql.InputObjectConfigFieldMapThunk(func() graphql.InputObjectConfigFieldMap {
			return graphql.InputObjectConfigFieldMap{
				"predicate": &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(intCmp)},
				"distinct":  &graphql.InputObjectFieldConfig{Type: graphql.Boolean},
				"arguments": &graphql.InputObjectFieldConfig{Type: columns},
				"filter":    &graphql.InputObjectFieldConfig{Type: r.whereInput(e)},
			}
		}),
	})
	input := graphql.NewInputObject(graphql.InputObjectConfig{
		Name: name,
		Fields: graphql.InputObjectConfigFieldMap{
			planner.AggCount: &graphql.InputObjectFieldConfig{Type: count},
		},
	})
	r.whereCache[name] = input
	return input
}

// columnEnum lists an entity's columns; values are database names.
func (r *Resolver) columnEnum(e *schema.Entity) *graphql.Enum {
	name := e.TypeName + "Column"

	r.mu.RLock()
	if cached, ok := r.enumCache[name]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.enumCache[name]; ok {
		return cached
	}
	values := graphql.EnumValueConfigMap{}
	for _, col := range e.Columns {
		values[col.Field] = &graphql.EnumValueConfig{Value: col.Name}
	}
	enum := graphql.NewEnum(graphql.EnumConfig{Name: name, Values: values})
	r.enumCache[name] = enum
	return enum
}

func (r *Resolver) orderDirectionEnum() *graphql.Enum {
	const name = "OrderDirection"

	r.mu.RLock()
	if cached, ok := r.enumCache[name]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.enumCache[name]; ok {
		return cached
	}
	values := graphql.EnumValueConfigMap{}
	for _, d := range planner.DirectionNames() {
		values[d] = &graphql.EnumValueConfig{Value: d}
	}
	enum := graphql.NewEnum(graphql.EnumConfig{
		Name:        name,
		Description: "Sort direction, optionally placing nulls first or last.",
		Values:      values,
	})
	r.enumCache[name] = enum
	return enum
}

// orderByInput returns the ordering input of an entity. Only to-one
// relationships may be ordered through; a to-many relationship has no single
// value per row.
func (r *Resolver) orderByInput(e *schema.Entity) *graphql.InputObject {
	name := e.TypeName + "OrderByInput"

	r.mu.RLock()
	if cached, ok := r.orderByCache[name]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	direction := r.orderDirectionEnum()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.orderByCache[name]; ok {
		return cached
	}
	input := graphql.NewInputObject(graphql.InputObjectConfig{
		Name: name,
		Fields: graphql.InputObjectConfigFieldMapThunk(func() graphql.InputObjectConfigFieldMap {
			fields := graphql.InputObjectConfigFieldMap{}
			for _, col := range e.Columns {
				fields[col.Field] = &graphql.InputObjectFieldConfig{Type: direction}
			}
			for i := range e.Relationships {
				rel := &e.Relationships[i]
				if rel.Entity == nil || rel.ToMany() {
					continue
				}
				fields[rel.Field] = &graphql.InputObjectFieldConfig{Type: r.orderByInput(rel.Entity)}
			}
			return fields
		}),
	})
	r.orderByCache[name] = input
	return input
}

func (r *Resolver) limitOffsetInput() *graphql.InputObject {
	const name = "LimitOffsetInput"

	r.mu.RLock()
	if cached, ok := r.inputCache[name]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.inputCache[name]; ok {
		return cached
	}
	input := graphql.NewInputObject(graphql.InputObjectConfig{
		Name: name,
		Fields: graphql.InputObjectConfigFieldMap{
			"limit":  &graphql.InputObjectFieldConfig{Type: graphql.Int},
			"offset": &graphql.InputObjectFieldConfig{Type: graphql.Int},
		},
	})
	r.inputCache[name] = input
	return input
}

// listArgs are the arguments of a root list field.
func (r *Resolver) listArgs(e *schema.Entity) graphql.FieldConfigArgument {
	return graphql.FieldConfigArgument{
		"where":       &graphql.ArgumentConfig{Type: r.whereInput(e)},
		"orderBy":     &graphql.ArgumentConfig{Type: graphql.NewList(graphql.NewNonNull(r.orderByInput(e)))},
		"limitOffset": &graphql.ArgumentConfig{Type: r.limitOffsetInput()},
	}
}

// whereArg reads a where argument, which is absent or an object.
func whereArg(args map[string]interface{}) map[string]interface{} {
	where, _ := args["where"].(map[string]interface{})
	return where
}

// orderByArg converts an orderBy argument list to the planner's form.
func orderByArg(args map[string]interface{}) ([]map[string]interface{}, error) {
	raw, ok := args["orderBy"]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		if single, ok := raw.(map[string]interface{}); ok {
			return []map[string]interface{}{single}, nil
		}
		return nil, fmt.Errorf("orderBy must be a list")
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("orderBy entries must be objects")
		}
		out = append(out, entry)
	}
	return out, nil
}
