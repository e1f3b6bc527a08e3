package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	sq "github.com/Masterminds/squirrel"
	"github.com/cespare/xxhash/v2"

	"entityql/internal/authz"
	"entityql/internal/dbexec"
	"entityql/internal/observability"
	"entityql/internal/planner"
	"entityql/internal/schema"
	"entityql/internal/sqlutil"
)

// DefaultMaxInClause is the number of keys sent in one IN list.
const DefaultMaxInClause = 1000

const (
	relationToOne     = "to_one"
	relationToMany    = "to_many"
	relationAggregate = "aggregate"
	relationNode      = "node"
)

// Stats counts loader activity for one request.
type Stats struct {
	hits    atomic.Int64
	misses  atomic.Int64
	batches atomic.Int64
	keys    atomic.Int64
}

func (s *Stats) hit()  { s.hits.Add(1) }
func (s *Stats) miss() { s.misses.Add(1) }
func (s *Stats) batch(keys int) {
	s.batches.Add(1)
	s.keys.Add(int64(keys))
}

// Hits is the number of loads served from a previous batch.
func (s *Stats) Hits() int64 { return s.hits.Load() }

// Misses is the number of loads that joined a batch.
func (s *Stats) Misses() int64 { return s.misses.Load() }

// Batches is the number of batch functions run.
func (s *Stats) Batches() int64 { return s.batches.Load() }

// Keys is the number of distinct keys fetched.
func (s *Stats) Keys() int64 { return s.keys.Load() }

type cacheKey struct {
	relationship string
	kind         string
	hash         uint64
}

// EntityLoader owns the loaders of one request. Loaders are cached by
// relationship and a content hash of their arguments, so fields asking for
// the same filtered relationship share a batch.
type EntityLoader struct {
	compiler    *planner.Compiler
	exec        dbexec.QueryExecutor
	principal   *authz.Principal
	maxInClause int
	metrics     *observability.GraphQLMetrics

	stats   Stats
	mu      sync.Mutex
	loaders map[cacheKey]*Loader
}

// Option configures an EntityLoader.
type Option func(*EntityLoader)

// WithMaxInClause overrides DefaultMaxInClause.
func WithMaxInClause(n int) Option {
	return func(l *EntityLoader) { l.maxInClause = n }
}

// WithMetrics records batch metrics.
func WithMetrics(m *observability.GraphQLMetrics) Option {
	return func(l *EntityLoader) { l.metrics = m }
}

// New creates the loader set for one request. exec is used unless the
// context passed to a load carries its own executor.
func New(compiler *planner.Compiler, exec dbexec.QueryExecutor, principal *authz.Principal, opts ...Option) *EntityLoader {
	l := &EntityLoader{
		compiler:    compiler,
		exec:        exec,
		principal:   principal,
		maxInClause: DefaultMaxInClause,
		loaders:     make(map[cacheKey]*Loader),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Stats returns the request's loader counters.
func (l *EntityLoader) Stats() *Stats { return &l.stats }

// Principal returns the principal loads are scoped to.
func (l *EntityLoader) Principal() *authz.Principal { return l.principal }

// LoaderFor returns the row loader for rel under where and orderBy. Keys are
// values of the relationship's local column; to-many results are lists of
// rows, to-one results a row or nil.
func (l *EntityLoader) LoaderFor(rel *schema.Relationship, where map[string]interface{}, orderBy []map[string]interface{}) (*Loader, error) {
	kp, err := batchKeyPair(rel)
	if err != nil {
		return nil, err
	}
	hash, err := argsHash(where, orderBy)
	if err != nil {
		return nil, err
	}
	kind := relationToOne
	if rel.ToMany() {
		kind = relationToMany
	}
	return l.loader(cacheKey{relationship: rel.ID(), kind: kind, hash: hash}, func(ctx context.Context, keys []interface{}) ([]interface{}, error) {
		return l.loadRows(ctx, rel, kp, where, orderBy, keys)
	}), nil
}

// AggregateLoaderFor returns the aggregate loader for rel. Each result is the
// list of aggregate rows for one parent key, one row per group.
func (l *EntityLoader) AggregateLoaderFor(rel *schema.Relationship, where map[string]interface{}, selections []planner.AggregateSelection, group planner.GroupSelection) (*Loader, error) {
	kp, err := batchKeyPair(rel)
	if err != nil {
		return nil, err
	}
	if len(selections) == 0 {
		return nil, planner.ErrNoAggregateFunctionsSelected
	}
	hash, err := argsHash(where, selections, group)
	if err != nil {
		return nil, err
	}
	return l.loader(cacheKey{relationship: rel.ID(), kind: relationAggregate, hash: hash}, func(ctx context.Context, keys []interface{}) ([]interface{}, error) {
		return l.loadAggregates(ctx, rel, kp, where, selections, group, keys)
	}), nil
}

func (l *EntityLoader) loader(key cacheKey, fn BatchFunc) *Loader {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.loaders[key]; ok {
		return existing
	}
	ld := newLoader(fn, &l.stats)
	l.loaders[key] = ld
	return ld
}

// DispatchAll closes the batch window of every loader.
func (l *EntityLoader) DispatchAll(ctx context.Context) {
	l.mu.Lock()
	loaders := make([]*Loader, 0, len(l.loaders))
	for _, ld := range l.loaders {
		loaders = append(loaders, ld)
	}
	l.mu.Unlock()
	for _, ld := range loaders {
		ld.Dispatch(ctx)
	}
}

func batchKeyPair(rel *schema.Relationship) (schema.KeyPair, error) {
	if rel == nil || rel.Entity == nil || len(rel.Keys) != 1 {
		name := "<nil>"
		if rel != nil {
			name = rel.ID()
		}
		return schema.KeyPair{}, fmt.Errorf("%w: %s must have exactly one key pair to batch", planner.ErrInvalidRelationship, name)
	}
	return rel.Keys[0], nil
}

// argsHash hashes the canonical JSON encoding of parts. encoding/json sorts
// map keys, so structurally equal arguments hash equally.
func argsHash(parts ...interface{}) (uint64, error) {
	data, err := json.Marshal(parts)
	if err != nil {
		return 0, fmt.Errorf("failed to hash loader arguments: %w", err)
	}
	return xxhash.Sum64(data), nil
}

func (l *EntityLoader) request() *planner.Request {
	return planner.NewRequest(l.principal, authz.ActionView)
}

func (l *EntityLoader) fetch(ctx context.Context, q *sqlutil.Query, e *schema.Entity) ([]map[string]interface{}, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL: %w", err)
	}
	exec := dbexec.ExecutorFromContext(ctx, l.exec)
	rows, err := exec.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()
	return ScanRows(rows, e)
}

func (l *EntityLoader) loadRows(ctx context.Context, rel *schema.Relationship, kp schema.KeyPair, where map[string]interface{}, orderBy []map[string]interface{}, keys []interface{}) ([]interface{}, error) {
	kind := relationToOne
	if rel.ToMany() {
		kind = relationToMany
	}
	grouped := make(map[string][]map[string]interface{})
	present := presentKeys(keys)
	chunks := chunkValues(present, l.maxInClause)
	l.recordBatch(ctx, kind, len(keys), len(chunks))

	for _, chunk := range chunks {
		q, err := l.compiler.Select(ctx, l.request(), rel.Entity, where, orderBy, planner.SelectOptions{
			Relationship: rel,
			StableOrder:  true,
		})
		if err != nil {
			return nil, err
		}
		q.Where(sq.Eq{q.Col(kp.Remote): chunk})
		rows, err := l.fetch(ctx, q, rel.Entity)
		if err != nil {
			return nil, err
		}
		l.recordRows(ctx, kind, len(rows))
		for _, row := range rows {
			k := KeyString(row[kp.Remote])
			grouped[k] = append(grouped[k], row)
		}
	}

	results := make([]interface{}, len(keys))
	for i, key := range keys {
		rows := grouped[KeyString(key)]
		if key == nil {
			rows = nil
		}
		if rel.ToMany() {
			if rows == nil {
				rows = []map[string]interface{}{}
			}
			results[i] = rows
			continue
		}
		if len(rows) > 0 {
			results[i] = rows[0]
		}
	}
	return results, nil
}

func (l *EntityLoader) loadAggregates(ctx context.Context, rel *schema.Relationship, kp schema.KeyPair, where map[string]interface{}, selections []planner.AggregateSelection, group planner.GroupSelection, keys []interface{}) ([]interface{}, error) {
	grouped := make(map[string][]map[string]interface{})
	present := presentKeys(keys)
	chunks := chunkValues(present, l.maxInClause)
	l.recordBatch(ctx, relationAggregate, len(keys), len(chunks))

	for _, chunk := range chunks {
		q, _, err := l.compiler.Aggregate(ctx, l.request(), rel.Entity, where, selections, group, planner.AggregateOptions{
			Relationship:  rel,
			CorrelatedKey: kp.Remote,
		})
		if err != nil {
			return nil, err
		}
		q.Where(sq.Eq{q.Col(kp.Remote): chunk})
		rows, err := l.fetch(ctx, q, rel.Entity)
		if err != nil {
			return nil, err
		}
		l.recordRows(ctx, relationAggregate, len(rows))
		keepKey := groupsOn(rel.Entity, group, kp.Remote)
		for _, row := range rows {
			k := KeyString(row[kp.Remote])
			if !keepKey {
				delete(row, kp.Remote)
			}
			grouped[k] = append(grouped[k], row)
		}
	}

	results := make([]interface{}, len(keys))
	for i, key := range keys {
		rows := grouped[KeyString(key)]
		if key == nil {
			rows = nil
		}
		if rows == nil {
			rows = emptyAggregate(selections, group)
		}
		results[i] = rows
	}
	return results, nil
}

// groupsOn reports whether group selects column itself, in which case the
// correlation column is also a requested output.
func groupsOn(e *schema.Entity, group planner.GroupSelection, column string) bool {
	for name, sub := range group {
		if sub != nil {
			continue
		}
		if ref, err := e.Lookup(name); err == nil && ref.Kind == schema.FieldScalar && ref.Column.Name == column {
			return true
		}
	}
	return false
}

// emptyAggregate is the result of aggregating no rows: zero counts and null
// values when ungrouped, no groups otherwise.
func emptyAggregate(selections []planner.AggregateSelection, group planner.GroupSelection) []map[string]interface{} {
	if len(group) > 0 {
		return []map[string]interface{}{}
	}
	row := make(map[string]interface{})
	for _, sel := range selections {
		if sel.Func == planner.AggCount {
			row[planner.AggCount] = int64(0)
			continue
		}
		for _, col := range sel.Columns {
			row[sel.Label(col)] = nil
		}
	}
	return []map[string]interface{}{row}
}

func presentKeys(keys []interface{}) []interface{} {
	out := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		if k != nil {
			out = append(out, k)
		}
	}
	return out
}

func (l *EntityLoader) recordBatch(ctx context.Context, relation string, keys, chunks int) {
	if l.metrics == nil {
		return
	}
	l.metrics.RecordLoaderBatch(ctx, relation, keys, keys-chunks)
}

func (l *EntityLoader) recordRows(ctx context.Context, relation string, n int) {
	if l.metrics != nil {
		l.metrics.RecordLoaderRows(ctx, relation, n)
	}
}

type entityLoaderKey struct{}

// WithEntityLoader stores the request's loaders in ctx.
func WithEntityLoader(ctx context.Context, l *EntityLoader) context.Context {
	return context.WithValue(ctx, entityLoaderKey{}, l)
}

// FromContext returns the request's loaders, if any.
func FromContext(ctx context.Context) (*EntityLoader, bool) {
	l, ok := ctx.Value(entityLoaderKey{}).(*EntityLoader)
	return l, ok && l != nil
}
