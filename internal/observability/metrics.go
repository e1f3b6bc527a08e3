package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName scopes every instrument the server registers.
const MeterName = "entityql"

// GraphQLMetrics holds the request and loader instruments.
type GraphQLMetrics struct {
	requestDuration metric.Float64Histogram
	requestCounter  metric.Int64Counter
	errorCounter    metric.Int64Counter
	activeRequests  metric.Int64UpDownCounter
	queryDepth      metric.Int64Histogram
	fieldCount      metric.Int64Histogram

	loaderKeys         metric.Int64Histogram
	loaderRows         metric.Int64Histogram
	loaderQueriesSaved metric.Int64Counter
	loaderCacheHits    metric.Int64Counter
	loaderCacheMisses  metric.Int64Counter
}

type instrumentSpec struct {
	name        string
	description string
	unit        string
}

func int64Histogram(meter metric.Meter, spec instrumentSpec) (metric.Int64Histogram, error) {
	opts := []metric.Int64HistogramOption{metric.WithDescription(spec.description)}
	if spec.unit != "" {
		opts = append(opts, metric.WithUnit(spec.unit))
	}
	h, err := meter.Int64Histogram(spec.name, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s histogram: %w", spec.name, err)
	}
	return h, nil
}

func int64Counter(meter metric.Meter, spec instrumentSpec) (metric.Int64Counter, error) {
	c, err := meter.Int64Counter(spec.name, metric.WithDescription(spec.description))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s counter: %w", spec.name, err)
	}
	return c, nil
}

// InitGraphQLMetrics registers the GraphQL instruments on the global meter
// provider.
func InitGraphQLMetrics() (*GraphQLMetrics, error) {
	meter := otel.Meter(MeterName)
	m := &GraphQLMetrics{}
	var err error

	if m.requestDuration, err = meter.Float64Histogram(
		"graphql.request.duration",
		metric.WithDescription("Duration of GraphQL requests in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request duration histogram: %w", err)
	}
	if m.activeRequests, err = meter.Int64UpDownCounter(
		"graphql.requests.active",
		metric.WithDescription("Number of active GraphQL requests"),
	); err != nil {
		return nil, fmt.Errorf("failed to create active requests counter: %w", err)
	}

	counters := []struct {
		dst  *metric.Int64Counter
		spec instrumentSpec
	}{
		{&m.requestCounter, instrumentSpec{name: "graphql.requests.total", description: "Total number of GraphQL requests"}},
		{&m.errorCounter, instrumentSpec{name: "graphql.errors.total", description: "Total number of GraphQL requests answered with errors"}},
		{&m.loaderQueriesSaved, instrumentSpec{name: "entityql.loader.queries_saved", description: "Queries avoided by batching parent keys"}},
		{&m.loaderCacheHits, instrumentSpec{name: "entityql.loader.cache_hits", description: "Loads answered from the request cache"}},
		{&m.loaderCacheMisses, instrumentSpec{name: "entityql.loader.cache_misses", description: "Loads that reached the database"}},
	}
	for _, c := range counters {
		if *c.dst, err = int64Counter(meter, c.spec); err != nil {
			return nil, err
		}
	}

	histograms := []struct {
		dst  *metric.Int64Histogram
		spec instrumentSpec
	}{
		{&m.queryDepth, instrumentSpec{name: "graphql.query.depth", description: "Selection depth of GraphQL operations"}},
		{&m.fieldCount, instrumentSpec{name: "graphql.query.field_count", description: "Fields selected by GraphQL operations"}},
		{&m.loaderKeys, instrumentSpec{name: "entityql.loader.batch_keys", description: "Distinct keys resolved by one batch"}},
		{&m.loaderRows, instrumentSpec{name: "entityql.loader.batch_rows", description: "Rows returned by one batch query"}},
	}
	for _, h := range histograms {
		if *h.dst, err = int64Histogram(meter, h.spec); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordRequest records a GraphQL request with its duration and outcome
func (m *GraphQLMetrics) RecordRequest(ctx context.Context, duration time.Duration, hasErrors bool, operationType string) {
	attrs := metric.WithAttributes(
		attribute.String("operation_type", operationType),
		attribute.Bool("has_errors", hasErrors),
	)
	m.requestDuration.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	m.requestCounter.Add(ctx, 1, attrs)
	if hasErrors {
		m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("operation_type", operationType)))
	}
}

// RecordOperationShape records the depth and field count of an operation.
func (m *GraphQLMetrics) RecordOperationShape(ctx context.Context, depth, fields int, operationType string) {
	attrs := metric.WithAttributes(attribute.String("operation_type", operationType))
	m.queryDepth.Record(ctx, int64(depth), attrs)
	m.fieldCount.Record(ctx, int64(fields), attrs)
}

// RecordLoaderBatch records one batch query for a relationship or entity.
// queriesSaved is the number of per-key queries the batch replaced.
func (m *GraphQLMetrics) RecordLoaderBatch(ctx context.Context, relation string, keys, queriesSaved int) {
	attrs := metric.WithAttributes(attribute.String("relation", relation))
	m.loaderKeys.Record(ctx, int64(keys), attrs)
	if queriesSaved > 0 {
		m.loaderQueriesSaved.Add(ctx, int64(queriesSaved), attrs)
	}
}

// RecordLoaderRows records the rows a batch query returned.
func (m *GraphQLMetrics) RecordLoaderRows(ctx context.Context, relation string, rows int) {
	m.loaderRows.Record(ctx, int64(rows), metric.WithAttributes(attribute.String("relation", relation)))
}

// RecordLoaderCache records the cache outcome of a finished request.
func (m *GraphQLMetrics) RecordLoaderCache(ctx context.Context, hits, misses int64) {
	if hits > 0 {
		m.loaderCacheHits.Add(ctx, hits)
	}
	if misses > 0 {
		m.loaderCacheMisses.Add(ctx, misses)
	}
}

// IncrementActiveRequests increments the active requests counter
func (m *GraphQLMetrics) IncrementActiveRequests(ctx context.Context) {
	m.activeRequests.Add(ctx, 1)
}

// DecrementActiveRequests decrements the active requests counter
func (m *GraphQLMetrics) DecrementActiveRequests(ctx context.Context) {
	m.activeRequests.Add(ctx, -1)
}

// InitMetrics initializes all custom metrics and returns the GraphQLMetrics instance
func InitMetrics(logger *slog.Logger) (*GraphQLMetrics, error) {
	metrics, err := InitGraphQLMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GraphQL metrics: %w", err)
	}
	logger.Info("custom GraphQL metrics initialized")
	return metrics, nil
}
