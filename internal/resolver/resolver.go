// Package resolver builds and executes the GraphQL schema for a registry of
// entity descriptors. Filters, ordering, grouping and aggregates compile
// through the planner, relationships resolve through the request's batch
// loaders, and every query is scoped by the authz client.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/graphql-go/graphql"

	"entityql/internal/authz"
	"entityql/internal/dbexec"
	"entityql/internal/loader"
	"entityql/internal/naming"
	"entityql/internal/observability"
	"entityql/internal/planner"
	"entityql/internal/schema"
	"entityql/internal/sqlutil"
)

// Options configure a Resolver.
type Options struct {
	Limits planner.Limits
	Logger *slog.Logger
	// ExposeInternalErrors returns unexpected error messages to clients
	// instead of masking them. Development only.
	ExposeInternalErrors bool
	Metrics              *observability.GraphQLMetrics
}

// Resolver handles GraphQL execution against the database. It caches the
// GraphQL types it builds so recursive inputs resolve to one instance.
type Resolver struct {
	executor             dbexec.QueryExecutor
	registry             *schema.Registry
	compiler             *planner.Compiler
	namer                *naming.Namer
	limits               planner.Limits
	logger               *slog.Logger
	exposeInternalErrors bool
	metrics              *observability.GraphQLMetrics

	mu              sync.RWMutex
	typeCache       map[string]*graphql.Object
	whereCache      map[string]*graphql.InputObject
	orderByCache    map[string]*graphql.InputObject
	filterCache     map[string]*graphql.InputObject
	aggregateCache  map[string]*graphql.Object
	connectionCache map[string]*graphql.Object
	edgeCache       map[string]*graphql.Object
	inputCache      map[string]*graphql.InputObject
	enumCache       map[string]*graphql.Enum
	nodeInterface   *graphql.Interface
	pageInfoType    *graphql.Object
	scalarCache     map[schema.ColumnType]*graphql.Scalar
}

// NewResolver creates a resolver over registry. executor is used for requests
// whose context carries no executor of their own.
func NewResolver(executor dbexec.QueryExecutor, registry *schema.Registry, compiler *planner.Compiler, opts Options) *Resolver {
	if opts.Limits.MaxResults == 0 {
		opts.Limits.MaxResults = planner.DefaultMaxResults
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		executor:             executor,
		registry:             registry,
		compiler:             compiler,
		namer:                registry.Namer(),
		limits:               opts.Limits,
		logger:               opts.Logger,
		exposeInternalErrors: opts.ExposeInternalErrors,
		metrics:              opts.Metrics,
		typeCache:            make(map[string]*graphql.Object),
		whereCache:           make(map[string]*graphql.InputObject),
		orderByCache:         make(map[string]*graphql.InputObject),
		filterCache:          make(map[string]*graphql.InputObject),
		aggregateCache:       make(map[string]*graphql.Object),
		connectionCache:      make(map[string]*graphql.Object),
		edgeCache:            make(map[string]*graphql.Object),
		inputCache:           make(map[string]*graphql.InputObject),
		enumCache:            make(map[string]*graphql.Enum),
		scalarCache:          make(map[schema.ColumnType]*graphql.Scalar),
	}
}

// BuildGraphQLSchema constructs the executable schema: list, aggregate and
// node queries for every entity, and create/update/delete mutations.
func (r *Resolver) BuildGraphQLSchema() (graphql.Schema, error) {
	queryFields := graphql.Fields{}
	mutationFields := graphql.Fields{}
	for _, e := range r.registry.Entities() {
		r.addEntityQueries(queryFields, e)
		r.addEntityMutations(mutationFields, e)
	}
	r.addNodeQueries(queryFields)

	schemaConfig := graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name:   "Query",
			Fields: queryFields,
		}),
		Types: r.entityTypes(),
	}
	if len(mutationFields) > 0 {
		schemaConfig.Mutation = graphql.NewObject(graphql.ObjectConfig{
			Name:   "Mutation",
			Fields: mutationFields,
		})
	}
	return graphql.NewSchema(schemaConfig)
}

// entityTypes lists every object type so the Node interface knows its
// implementations even when no field returns them directly.
func (r *Resolver) entityTypes() []graphql.Type {
	types := make([]graphql.Type, 0, len(r.registry.Entities()))
	for _, e := range r.registry.Entities() {
		types = append(types, r.entityType(e))
	}
	return types
}

// WithRequestScope prepares ctx for one request: the principal, the executor
// the request owns, and a fresh set of batch loaders.
func (r *Resolver) WithRequestScope(ctx context.Context, principal *authz.Principal, exec dbexec.QueryExecutor) context.Context {
	if exec == nil {
		exec = r.executor
	}
	ctx = authz.WithPrincipal(ctx, principal)
	ctx = dbexec.WithExecutor(ctx, exec)
	return loader.WithEntityLoader(ctx, loader.New(r.compiler, exec, principal,
		loader.WithMetrics(r.metrics)))
}

// entityLoader returns the request's loaders, creating an unshared set when
// the request was not scoped.
func (r *Resolver) entityLoader(ctx context.Context) *loader.EntityLoader {
	if l, ok := loader.FromContext(ctx); ok {
		return l
	}
	return loader.New(r.compiler, r.queryExecutorForContext(ctx), authz.PrincipalFromContext(ctx),
		loader.WithMetrics(r.metrics))
}

func (r *Resolver) dialect() sqlutil.Dialect {
	return r.compiler.Dialect()
}

func (r *Resolver) request(ctx context.Context, action authz.Action) *planner.Request {
	return planner.NewRequest(authz.PrincipalFromContext(ctx), action)
}

// fetch runs a compiled query on the request's executor.
func (r *Resolver) fetch(ctx context.Context, q *sqlutil.Query, e *schema.Entity) ([]map[string]interface{}, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL: %w", err)
	}
	rows, err := r.queryExecutorForContext(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	return loader.ScanRows(rows, e)
}
