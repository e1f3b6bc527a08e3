package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// collectSums installs a manual reader as the global meter provider and
// returns a function that sums every int64 counter by instrument name.
func collectSums(t *testing.T) func() map[string]int64 {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(previous)
		_ = provider.Shutdown(context.Background())
	})

	return func() map[string]int64 {
		var rm metricdata.ResourceMetrics
		require.NoError(t, reader.Collect(context.Background(), &rm))
		sums := make(map[string]int64)
		for _, scope := range rm.ScopeMetrics {
			for _, m := range scope.Metrics {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					for _, dp := range sum.DataPoints {
						sums[m.Name] += dp.Value
					}
				}
			}
		}
		return sums
	}
}

func TestMeterProviderLifecycle(t *testing.T) {
	mp, err := InitMeterProvider(Config{ServiceName: "entityql-test", ServiceVersion: "1.0.0", Environment: "test"})
	require.NoError(t, err)
	require.NotNil(t, mp.Exporter())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err = InitMetrics(logger)
	require.NoError(t, err)
	assert.NoError(t, mp.Shutdown(context.Background(), logger))
}

func TestGraphQLMetricsRecord(t *testing.T) {
	collect := collectSums(t)
	metrics, err := InitGraphQLMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordRequest(ctx, 12*time.Millisecond, false, "query")
	metrics.RecordRequest(ctx, 3*time.Millisecond, true, "mutation")
	metrics.IncrementActiveRequests(ctx)
	metrics.RecordLoaderCache(ctx, 3, 1)
	metrics.RecordLoaderCache(ctx, 0, 2)
	metrics.RecordLoaderBatch(ctx, "student.school", 4, 3)
	metrics.RecordLoaderBatch(ctx, "school.district", 1, 0)

	sums := collect()
	assert.Equal(t, int64(2), sums["graphql.requests.total"])
	assert.Equal(t, int64(1), sums["graphql.errors.total"])
	assert.Equal(t, int64(1), sums["graphql.requests.active"])
	assert.Equal(t, int64(3), sums["entityql.loader.cache_hits"])
	assert.Equal(t, int64(3), sums["entityql.loader.cache_misses"])
	assert.Equal(t, int64(3), sums["entityql.loader.queries_saved"])
}

func TestSecurityMetricsRecord(t *testing.T) {
	collect := collectSums(t)
	metrics, err := InitSecurityMetrics()
	require.NoError(t, err)

	ctx := context.Background()
	metrics.RecordAuthAttempt(ctx, "oidc")
	metrics.RecordAuthAttempt(ctx, "shared_key")
	metrics.RecordAuthSuccess(ctx, "oidc", "https://issuer.test")
	metrics.RecordAuthFailure(ctx, "shared_key", "invalid_token")
	metrics.RecordTokenValidationError(ctx, "expired")

	sums := collect()
	assert.Equal(t, int64(2), sums["security.auth.attempts.total"])
	assert.Equal(t, int64(1), sums["security.auth.successes.total"])
	assert.Equal(t, int64(1), sums["security.auth.failures.total"])
	assert.Equal(t, int64(1), sums["security.token.validation_errors.total"])
}

func TestNewExporterSettings(t *testing.T) {
	s, err := newExporterSettings(OTLPExporterConfig{Endpoint: "collector:4317", Insecure: true, Compression: "gzip", RetryEnabled: true, RetryMaxAttempts: 3})
	require.NoError(t, err)
	assert.Nil(t, s.tls)
	assert.True(t, s.gzip)
	assert.True(t, s.retry)
	assert.Len(t, s.traceGRPCOptions(), 4)
	assert.Len(t, s.logHTTPOptions(), 4)

	s, err = newExporterSettings(OTLPExporterConfig{Endpoint: "https://collector/v1/traces"})
	require.NoError(t, err)
	require.NotNil(t, s.tls)
	assert.False(t, s.retry)
	assert.Len(t, s.traceHTTPOptions(), 2)
}

func TestParseOTLPProtocol(t *testing.T) {
	for in, want := range map[string]otlpProtocol{"": otlpProtocolGRPC, "GRPC": otlpProtocolGRPC, "http": otlpProtocolHTTP, "http/protobuf": otlpProtocolHTTP} {
		got, err := parseOTLPProtocol(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseOTLPProtocol("udp")
	require.Error(t, err)
}

func TestBuildTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not-a-cert"), 0o600))

	tests := []struct {
		name string
		cfg  OTLPExporterConfig
		msg  string
	}{
		{"missing ca", OTLPExporterConfig{TLSCertFile: filepath.Join(dir, "missing.pem")}, "failed to read OTLP TLS CA file"},
		{"unparseable ca", OTLPExporterConfig{TLSCertFile: garbage}, "failed to parse OTLP TLS CA file"},
		{"cert without key", OTLPExporterConfig{TLSClientCertFile: garbage}, "must both be set"},
		{"bad client pair", OTLPExporterConfig{TLSClientCertFile: garbage, TLSClientKeyFile: garbage}, "failed to load OTLP TLS client certificate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildTLSConfig(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)

			_, err = newExporterSettings(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestTraceSamplerForRatio(t *testing.T) {
	remoteParent := func(sampled bool) context.Context {
		cfg := trace.SpanContextConfig{TraceID: trace.TraceID{9}, SpanID: trace.SpanID{1}, Remote: true}
		if sampled {
			cfg.TraceFlags = trace.FlagsSampled
		}
		return trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(cfg))
	}

	tests := []struct {
		name   string
		ratio  float64
		parent context.Context
		want   sdktrace.SamplingDecision
	}{
		{"never", 0, context.Background(), sdktrace.Drop},
		{"always", 1, context.Background(), sdktrace.RecordAndSample},
		{"sampled parent wins", 0.5, remoteParent(true), sdktrace.RecordAndSample},
		{"unsampled parent wins", 0.5, remoteParent(false), sdktrace.Drop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := traceSamplerForRatio(tt.ratio).ShouldSample(sdktrace.SamplingParameters{
				ParentContext: tt.parent,
				TraceID:       trace.TraceID{2},
				Name:          "graphql.execute",
			})
			assert.Equal(t, tt.want, got.Decision)
		})
	}
}
