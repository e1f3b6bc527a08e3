package resolver

import (
	"encoding/json"

	"github.com/graphql-go/graphql"

	"entityql/internal/cursor"
	"entityql/internal/planner"
	"entityql/internal/schema"
)

// connectionResult is the value of an <Entity>Connection: the full ordered
// result of one parent and the window the arguments select from it.
type connectionResult struct {
	rows     []map[string]interface{}
	window   planner.ConnectionWindow
	typeName string
	orderKey string
}

type edgeResult struct {
	cursor string
	node   map[string]interface{}
}

type pageInfoResult struct {
	hasNext     bool
	hasPrevious bool
	startCursor interface{}
	endCursor   interface{}
}

func (c *connectionResult) cursorAt(offset int) string {
	return cursor.Encode(c.typeName, c.orderKey, offset)
}

func (c *connectionResult) nodes() []map[string]interface{} {
	if c.window.Size() == 0 {
		return []map[string]interface{}{}
	}
	return c.rows[c.window.Start:c.window.End]
}

func (c *connectionResult) edges() []edgeResult {
	nodes := c.nodes()
	edges := make([]edgeResult, len(nodes))
	for i, node := range nodes {
		edges[i] = edgeResult{cursor: c.cursorAt(c.window.Start + i), node: node}
	}
	return edges
}

func (c *connectionResult) pageInfo() pageInfoResult {
	info := pageInfoResult{hasNext: c.window.HasNext, hasPrevious: c.window.HasPrevious}
	if c.window.Size() > 0 {
		info.startCursor = c.cursorAt(c.window.Start)
		info.endCursor = c.cursorAt(c.window.End - 1)
	}
	return info
}

// orderKey identifies an ordering for cursor validation. encoding/json sorts
// map keys, so equal orderings produce equal keys.
func orderKey(orderBy []map[string]interface{}) string {
	if len(orderBy) == 0 {
		return ""
	}
	data, err := json.Marshal(orderBy)
	if err != nil {
		return ""
	}
	return string(data)
}

func (r *Resolver) pageInfoObject() *graphql.Object {
	r.mu.RLock()
	if r.pageInfoType != nil {
		defer r.mu.RUnlock()
		return r.pageInfoType
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pageInfoType != nil {
		return r.pageInfoType
	}
	info := func(p graphql.ResolveParams) (pageInfoResult, bool) {
		v, ok := p.Source.(pageInfoResult)
		return v, ok
	}
	r.pageInfoType = graphql.NewObject(graphql.ObjectConfig{
		Name: "PageInfo",
		Fields: graphql.Fields{
			"hasNextPage": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Boolean),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					v, _ := info(p)
					return v.hasNext, nil
				},
			},
			"hasPreviousPage": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Boolean),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					v, _ := info(p)
					return v.hasPrevious, nil
				},
			},
			"startCursor": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					v, _ := info(p)
					return v.startCursor, nil
				},
			},
			"endCursor": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					v, _ := info(p)
					return v.endCursor, nil
				},
			},
		},
	})
	return r.pageInfoType
}

func (r *Resolver) edgeType(e *schema.Entity) *graphql.Object {
	name := e.TypeName + "Edge"

	r.mu.RLock()
	if cached, ok := r.edgeCache[name]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	node := r.entityType(e)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.edgeCache[name]; ok {
		return cached
	}
	obj := graphql.NewObject(graphql.ObjectConfig{
		Name: name,
		Fields: graphql.Fields{
			"cursor": &graphql.Field{
				Type: graphql.NewNonNull(graphql.String),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					edge, _ := p.Source.(edgeResult)
					return edge.cursor, nil
				},
			},
			"node": &graphql.Field{
				Type: graphql.NewNonNull(node),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					edge, _ := p.Source.(edgeResult)
					return edge.node, nil
				},
			},
		},
	})
	r.edgeCache[name] = obj
	return obj
}

func (r *Resolver) connectionType(e *schema.Entity) *graphql.Object {
	name := e.TypeName + "Connection"

	r.mu.RLock()
	if cached, ok := r.connectionCache[name]; ok {
		r.mu.RUnlock()
		return cached
	}
	r.mu.RUnlock()

	node := r.entityType(e)
	edge := r.edgeType(e)
	pageInfo := r.pageInfoObject()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.connectionCache[name]; ok {
		return cached
	}
	conn := func(p graphql.ResolveParams) *connectionResult {
		c, ok := p.Source.(*connectionResult)
		if !ok {
			return &connectionResult{}
		}
		return c
	}
	obj := graphql.NewObject(graphql.ObjectConfig{
		Name: name,
		Fields: graphql.Fields{
			"edges": &graphql.Field{
				Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(edge))),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return conn(p).edges(), nil
				},
			},
			"nodes": &graphql.Field{
				Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(node))),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return conn(p).nodes(), nil
				},
			},
			"pageInfo": &graphql.Field{
				Type: graphql.NewNonNull(pageInfo),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return conn(p).pageInfo(), nil
				},
			},
			"totalCount": &graphql.Field{
				Type: graphql.NewNonNull(graphql.Int),
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					return len(conn(p).rows), nil
				},
			},
		},
	})
	r.connectionCache[name] = obj
	return obj
}

// toOneField resolves a to-one relationship through the request's batch
// loader, so sibling rows share one IN query.
func (r *Resolver) toOneField(rel *schema.Relationship) *graphql.Field {
	return &graphql.Field{
		Type: r.entityType(rel.Entity),
		Resolve: r.guard(func(p graphql.ResolveParams) (interface{}, error) {
			row, ok := p.Source.(map[string]interface{})
			if !ok || len(rel.Keys) == 0 {
				return nil, nil
			}
			local := row[rel.Keys[0].Local]
			if local == nil {
				return nil, nil
			}
			l, err := r.entityLoader(p.Context).LoaderFor(rel, nil, nil)
			if err != nil {
				return nil, err
			}
			thunk := l.Load(p.Context, local)
			return r.guardThunk(p, func() (interface{}, error) {
				v, err := thunk()
				if err != nil {
					return nil, err
				}
				if m, ok := v.(map[string]interface{}); ok && m != nil {
					return m, nil
				}
				return nil, nil
			}), nil
		}),
	}
}

// toManyField resolves a to-many relationship as a connection. The loader
// fetches each parent's full ordered list; first/last/after/before select a
// window of it.
func (r *Resolver) toManyField(rel *schema.Relationship) *graphql.Field {
	target := rel.Entity
	return &graphql.Field{
		Type: graphql.NewNonNull(r.connectionType(target)),
		Args: graphql.FieldConfigArgument{
			"where":   &graphql.ArgumentConfig{Type: r.whereInput(target)},
			"orderBy": &graphql.ArgumentConfig{Type: graphql.NewList(graphql.NewNonNull(r.orderByInput(target)))},
			"first":   &graphql.ArgumentConfig{Type: graphql.Int},
			"last":    &graphql.ArgumentConfig{Type: graphql.Int},
			"after":   &graphql.ArgumentConfig{Type: graphql.String},
			"before":  &graphql.ArgumentConfig{Type: graphql.String},
		},
		Resolve: r.guard(func(p graphql.ResolveParams) (interface{}, error) {
			row, ok := p.Source.(map[string]interface{})
			if !ok || len(rel.Keys) == 0 {
				return nil, nil
			}
			orderBy, err := orderByArg(p.Args)
			if err != nil {
				return nil, err
			}
			key := orderKey(orderBy)
			// Validate arguments before the batch runs so bad cursors fail
			// this field alone.
			if _, err := r.limits.ParseConnectionWindow(p.Args, 0, target.TypeName, key); err != nil {
				return nil, err
			}
			l, err := r.entityLoader(p.Context).LoaderFor(rel, whereArg(p.Args), orderBy)
			if err != nil {
				return nil, err
			}
			thunk := l.Load(p.Context, row[rel.Keys[0].Local])
			return r.guardThunk(p, func() (interface{}, error) {
				v, err := thunk()
				if err != nil {
					return nil, err
				}
				rows, _ := v.([]map[string]interface{})
				window, err := r.limits.ParseConnectionWindow(p.Args, len(rows), target.TypeName, key)
				if err != nil {
					return nil, err
				}
				return &connectionResult{rows: rows, window: window, typeName: target.TypeName, orderKey: key}, nil
			}), nil
		}),
	}
}
