package resolver

import (
	"fmt"

	"github.com/graphql-go/graphql"

	"entityql/internal/apierr"
	"entityql/internal/authz"
	"entityql/internal/nodeid"
	"entityql/internal/planner"
	"entityql/internal/schema"
)

const viewAction = authz.ActionView

func (r *Resolver) addEntityQueries(fields graphql.Fields, e *schema.Entity) {
	listName := r.namer.ListFieldName(e.Name)
	fields[listName] = &graphql.Field{
		Type:    graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(r.entityType(e)))),
		Args:    r.listArgs(e),
		Resolve: r.resolveList(e),
	}
	fields[r.namer.AggregateFieldName(listName)] = &graphql.Field{
		Type: graphql.NewNonNull(r.aggregateType(e)),
		Args: graphql.FieldConfigArgument{
			"where": &graphql.ArgumentConfig{Type: r.whereInput(e)},
		},
		Resolve: r.resolveAggregate(e),
	}
}

// resolveList runs a root list query: filter, order and limitOffset compile
// into a single scoped SELECT.
func (r *Resolver) resolveList(e *schema.Entity) graphql.FieldResolveFn {
	return r.guard(func(p graphql.ResolveParams) (interface{}, error) {
		orderBy, err := orderByArg(p.Args)
		if err != nil {
			return nil, err
		}
		limitOffset, _ := p.Args["limitOffset"].(map[string]interface{})
		limit, offset, err := r.limits.LimitOffset(limitOffset)
		if err != nil {
			return nil, err
		}
		q, err := r.compiler.Select(p.Context, r.request(p.Context, viewAction), e, whereArg(p.Args), orderBy, planner.SelectOptions{
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			return nil, err
		}
		rows, err := r.fetch(p.Context, q, e)
		if err != nil {
			return nil, err
		}
		if rows == nil {
			rows = []map[string]interface{}{}
		}
		return rows, nil
	})
}

func (r *Resolver) addNodeQueries(fields graphql.Fields) {
	node := r.nodeInterfaceType()
	fields["node"] = &graphql.Field{
		Type:        node,
		Description: "Fetches an object given its ID.",
		Args: graphql.FieldConfigArgument{
			"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
		},
		Resolve: r.guard(func(p graphql.ResolveParams) (interface{}, error) {
			id, _ := p.Args["id"].(string)
			rows, err := r.resolveNodeIDs(p, []string{id})
			if err != nil {
				return nil, err
			}
			if rows[0] == nil {
				return nil, nil
			}
			return rows[0], nil
		}),
	}
	fields["nodes"] = &graphql.Field{
		Type:        graphql.NewNonNull(graphql.NewList(node)),
		Description: "Fetches objects given their IDs, in argument order.",
		Args: graphql.FieldConfigArgument{
			"ids": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(graphql.ID)))},
		},
		Resolve: r.guard(func(p graphql.ResolveParams) (interface{}, error) {
			raw, _ := p.Args["ids"].([]interface{})
			ids := make([]string, 0, len(raw))
			for _, v := range raw {
				s, _ := v.(string)
				ids = append(ids, s)
			}
			rows, err := r.resolveNodeIDs(p, ids)
			if err != nil {
				return nil, err
			}
			out := make([]interface{}, len(rows))
			for i, row := range rows {
				if row != nil {
					out[i] = row
				}
			}
			return out, nil
		}),
	}
}

// resolveNodeIDs decodes global IDs and loads them one query per type. Rows
// come back in argument order with nil for missing or hidden objects.
func (r *Resolver) resolveNodeIDs(p graphql.ResolveParams, ids []string) ([]map[string]interface{}, error) {
	type pending struct {
		entity  *schema.Entity
		indexes []int
		values  []interface{}
	}
	var order []string
	byType := make(map[string]*pending)
	for i, id := range ids {
		typeName, value, err := nodeid.Decode(id)
		if err != nil {
			return nil, apierr.Wrap(err, apierr.CodeBadRequest, fmt.Sprintf("invalid id %q", id))
		}
		e, ok := r.registry.EntityByType(typeName)
		if !ok {
			return nil, apierr.Errorf(apierr.CodeBadRequest, "unknown type %q in id", typeName)
		}
		pend, ok := byType[typeName]
		if !ok {
			pend = &pending{entity: e}
			byType[typeName] = pend
			order = append(order, typeName)
		}
		pend.indexes = append(pend.indexes, i)
		pend.values = append(pend.values, value)
	}

	out := make([]map[string]interface{}, len(ids))
	l := r.entityLoader(p.Context)
	for _, typeName := range order {
		pend := byType[typeName]
		rows, err := l.ResolveNodes(p.Context, pend.entity, pend.values, false)
		if err != nil {
			return nil, err
		}
		for j, row := range rows {
			if row == nil {
				continue
			}
			row[typeNameKey] = typeName
			out[pend.indexes[j]] = row
		}
	}
	return out, nil
}
