// Package planner compiles GraphQL filter, ordering, grouping and aggregate
// arguments into authorization-scoped SQL. Every entity reached during
// compilation, at any depth, gets its base query from the authz client.
package planner

import (
	"context"
	"errors"
	"fmt"

	"entityql/internal/apierr"
	"entityql/internal/authz"
	"entityql/internal/schema"
	"entityql/internal/sqlutil"
)

// MaxFilterDepth is the number of entity levels a single compilation may
// nest, the root entity included. A filter can therefore traverse at most
// MaxFilterDepth-1 relationship hops.
const MaxFilterDepth = 5

var (
	// ErrMaxFilterDepthExceeded is returned when nesting passes MaxFilterDepth.
	ErrMaxFilterDepthExceeded = apierr.New(apierr.CodeBadRequest, "Max filter depth exceeded")
	// ErrNoAggregateFunctionsSelected is returned for an empty aggregate selection.
	ErrNoAggregateFunctionsSelected = apierr.New(apierr.CodeBadRequest, "No aggregate functions selected")
	// ErrInvalidRelationship marks a relationship without usable key pairs.
	ErrInvalidRelationship = errors.New("invalid relationship")
)

// SQLQuery holds a rendered statement and its arguments.
type SQLQuery struct {
	SQL  string
	Args []interface{}
}

// Compiler builds scoped queries. It is safe for concurrent use; all
// per-compilation state lives in Request.
type Compiler struct {
	dialect sqlutil.Dialect
	client  authz.Client
}

// NewCompiler creates a compiler. client is the default authorization client,
// overridable per request with authz.WithClient.
func NewCompiler(d sqlutil.Dialect, client authz.Client) *Compiler {
	return &Compiler{dialect: d, client: client}
}

// Dialect returns the SQL dialect queries are built for.
func (c *Compiler) Dialect() sqlutil.Dialect { return c.dialect }

// Request carries the principal and action of one compilation.
type Request struct {
	Principal *authz.Principal
	Action    authz.Action

	seq int
}

// NewRequest creates a compilation request.
func NewRequest(p *authz.Principal, action authz.Action) *Request {
	return &Request{Principal: p, Action: action}
}

func (r *Request) nextAlias(prefix string) string {
	r.seq++
	return fmt.Sprintf("__%s_%d", prefix, r.seq)
}

func (c *Compiler) clientFor(ctx context.Context) authz.Client {
	return authz.ClientFromContext(ctx, c.client)
}

// Client returns the authorization client in effect for ctx.
func (c *Compiler) Client(ctx context.Context) authz.Client {
	return c.clientFor(ctx)
}

// ResourceQuery returns the scoped base query for e.
func (c *Compiler) ResourceQuery(ctx context.Context, req *Request, e *schema.Entity, rel *schema.Relationship, alias string) (*sqlutil.Query, error) {
	q, err := c.clientFor(ctx).ResourceQuery(ctx, req.Principal, req.Action, authz.Target{
		Entity:       e,
		Relationship: rel,
		Alias:        alias,
	})
	if err != nil {
		return nil, err
	}
	if q.Dialect().Name() != c.dialect.Name() {
		return nil, fmt.Errorf("authz client built a %s query for a %s compiler", q.Dialect().Name(), c.dialect.Name())
	}
	return q, nil
}

// OrderEntry is one element of an orderBy argument list. Index is the
// entry's position in the declared list.
type OrderEntry struct {
	Field map[string]interface{}
	Index int
}

// Direction is a parsed order direction.
type Direction struct {
	Desc  bool
	Nulls sqlutil.NullsOrder
}

var directions = map[string]Direction{
	"asc":              {},
	"asc_nulls_first":  {Nulls: sqlutil.NullsFirst},
	"asc_nulls_last":   {Nulls: sqlutil.NullsLast},
	"desc":             {Desc: true},
	"desc_nulls_first": {Desc: true, Nulls: sqlutil.NullsFirst},
	"desc_nulls_last":  {Desc: true, Nulls: sqlutil.NullsLast},
}

// ParseDirection parses an order direction name.
func ParseDirection(name string) (Direction, error) {
	d, ok := directions[name]
	if !ok {
		return Direction{}, apierr.Errorf(apierr.CodeBadRequest, "invalid order direction %q", name)
	}
	return d, nil
}

// DirectionNames lists the accepted order directions.
func DirectionNames() []string {
	return []string{"asc", "asc_nulls_first", "asc_nulls_last", "desc", "desc_nulls_first", "desc_nulls_last"}
}

// OrderColumn is an ordering term resolved against one query level. Name is
// the column's output name in that query and Expr an expression valid in it.
type OrderColumn struct {
	Name      string
	Expr      string
	Direction Direction
	Index     int
}

// GroupSelection is a groupBy selection tree: nil marks a scalar leaf, a
// non-nil map descends into a relationship.
type GroupSelection map[string]GroupSelection

// GroupColumn is a grouping column resolved against one query level.
type GroupColumn struct {
	Name string
	Expr string
}

// AggregateSelection is one requested aggregate function. For count, Columns
// holds at most one column and Distinct applies; Having filters the result.
type AggregateSelection struct {
	Func     string
	Columns  []string
	Distinct bool
	Having   map[string]interface{}
}

// Label returns the output column name of the aggregate over col.
func (s AggregateSelection) Label(col string) string {
	if s.Func == AggCount {
		return AggCount
	}
	return s.Func + "_" + col
}
