// Package observability wires OpenTelemetry for the server: a Prometheus
// reader for metrics, OTLP exporters (gRPC or HTTP) for traces and logs, and
// the GraphQL and security instruments recorded by middleware and loaders.
package observability

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials"
)

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName      string
	ServiceVersion   string
	Environment      string
	TraceSampleRatio float64
	OTLPConfig       OTLPExporterConfig
}

// OTLPExporterConfig holds OTLP exporter configuration options
type OTLPExporterConfig struct {
	Endpoint          string
	Protocol          string
	Insecure          bool
	TLSCertFile       string
	TLSClientCertFile string
	TLSClientKeyFile  string
	Headers           map[string]string
	Timeout           time.Duration
	Compression       string
	RetryEnabled      bool
	RetryMaxAttempts  int
}

const shutdownTimeout = 5 * time.Second

// newResource describes the service. The schema URL is left empty so the
// merge with resource.Default never conflicts.
func newResource(cfg Config) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

func shutdownProvider(ctx context.Context, logger *slog.Logger, name string, shutdown func(context.Context) error) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown "+name+" provider", slog.String("error", err.Error()))
		return err
	}
	logger.Info(name + " provider shutdown successfully")
	return nil
}

// MeterProvider wraps the OpenTelemetry meter provider
type MeterProvider struct {
	provider *metric.MeterProvider
	exporter *prometheus.Exporter
}

// InitMeterProvider installs a global meter provider read by Prometheus.
func InitMeterProvider(cfg Config) (*MeterProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	return &MeterProvider{provider: provider, exporter: exporter}, nil
}

// Shutdown flushes and stops the meter provider.
func (mp *MeterProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownProvider(ctx, logger, "meter", mp.provider.Shutdown)
}

// Exporter returns the Prometheus exporter for metrics HTTP handler
func (mp *MeterProvider) Exporter() *prometheus.Exporter {
	return mp.exporter
}

type otlpProtocol string

const (
	otlpProtocolGRPC otlpProtocol = "grpc"
	otlpProtocolHTTP otlpProtocol = "http/protobuf"
)

func parseOTLPProtocol(value string) (otlpProtocol, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(otlpProtocolGRPC):
		return otlpProtocolGRPC, nil
	case "http", string(otlpProtocolHTTP):
		return otlpProtocolHTTP, nil
	default:
		return "", fmt.Errorf("unsupported OTLP protocol %q (use grpc or http/protobuf)", value)
	}
}

func buildTLSConfig(cfg OTLPExporterConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.TLSCertFile != "" {
		caCert, err := os.ReadFile(cfg.TLSCertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read OTLP TLS CA file: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse OTLP TLS CA file")
		}
		tlsConfig.RootCAs = certPool
	}

	if cfg.TLSClientCertFile != "" || cfg.TLSClientKeyFile != "" {
		if cfg.TLSClientCertFile == "" || cfg.TLSClientKeyFile == "" {
			return nil, fmt.Errorf("OTLP TLS client cert and key must both be set")
		}
		cert, err := tls.LoadX509KeyPair(cfg.TLSClientCertFile, cfg.TLSClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load OTLP TLS client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func isHTTPEndpointURL(endpoint string) bool {
	return strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")
}

// exporterSettings is the signal-independent reading of an OTLPExporterConfig.
// Each signal turns it into its own option type.
type exporterSettings struct {
	cfg     OTLPExporterConfig
	tls     *tls.Config
	gzip    bool
	retry   bool
	backoff struct{ initial, max, elapsed time.Duration }
}

func newExporterSettings(cfg OTLPExporterConfig) (exporterSettings, error) {
	s := exporterSettings{
		cfg:   cfg,
		gzip:  cfg.Compression == "gzip",
		retry: cfg.RetryEnabled && cfg.RetryMaxAttempts > 0,
	}
	s.backoff.initial = time.Second
	s.backoff.max = 5 * time.Second
	s.backoff.elapsed = 30 * time.Second
	if !cfg.Insecure {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return s, err
		}
		s.tls = tlsConfig
	}
	return s, nil
}

func (s exporterSettings) traceGRPCOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(s.cfg.Endpoint)}
	if s.tls == nil {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(s.tls)))
	}
	if len(s.cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(s.cfg.Headers))
	}
	if s.cfg.Timeout > 0 {
		opts = append(opts, otlptracegrpc.WithTimeout(s.cfg.Timeout))
	}
	if s.gzip {
		opts = append(opts, otlptracegrpc.WithCompressor("gzip"))
	}
	if s.retry {
		opts = append(opts, otlptracegrpc.WithRetry(otlptracegrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: s.backoff.initial,
			MaxInterval:     s.backoff.max,
			MaxElapsedTime:  s.backoff.elapsed,
		}))
	}
	return opts
}

func (s exporterSettings) traceHTTPOptions() []otlptracehttp.Option {
	var opts []otlptracehttp.Option
	if isHTTPEndpointURL(s.cfg.Endpoint) {
		opts = append(opts, otlptracehttp.WithEndpointURL(s.cfg.Endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(s.cfg.Endpoint))
	}
	if s.tls == nil {
		opts = append(opts, otlptracehttp.WithInsecure())
	} else {
		opts = append(opts, otlptracehttp.WithTLSClientConfig(s.tls))
	}
	if len(s.cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(s.cfg.Headers))
	}
	if s.cfg.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(s.cfg.Timeout))
	}
	if s.gzip {
		opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
	}
	if s.retry {
		opts = append(opts, otlptracehttp.WithRetry(otlptracehttp.RetryConfig{
			Enabled:         true,
			InitialInterval: s.backoff.initial,
			MaxInterval:     s.backoff.max,
			MaxElapsedTime:  s.backoff.elapsed,
		}))
	}
	return opts
}

func (s exporterSettings) logGRPCOptions() []otlploggrpc.Option {
	opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(s.cfg.Endpoint)}
	if s.tls == nil {
		opts = append(opts, otlploggrpc.WithInsecure())
	} else {
		opts = append(opts, otlploggrpc.WithTLSCredentials(credentials.NewTLS(s.tls)))
	}
	if len(s.cfg.Headers) > 0 {
		opts = append(opts, otlploggrpc.WithHeaders(s.cfg.Headers))
	}
	if s.cfg.Timeout > 0 {
		opts = append(opts, otlploggrpc.WithTimeout(s.cfg.Timeout))
	}
	if s.gzip {
		opts = append(opts, otlploggrpc.WithCompressor("gzip"))
	}
	if s.retry {
		opts = append(opts, otlploggrpc.WithRetry(otlploggrpc.RetryConfig{
			Enabled:         true,
			InitialInterval: s.backoff.initial,
			MaxInterval:     s.backoff.max,
			MaxElapsedTime:  s.backoff.elapsed,
		}))
	}
	return opts
}

func (s exporterSettings) logHTTPOptions() []otlploghttp.Option {
	var opts []otlploghttp.Option
	if isHTTPEndpointURL(s.cfg.Endpoint) {
		opts = append(opts, otlploghttp.WithEndpointURL(s.cfg.Endpoint))
	} else {
		opts = append(opts, otlploghttp.WithEndpoint(s.cfg.Endpoint))
	}
	if s.tls == nil {
		opts = append(opts, otlploghttp.WithInsecure())
	} else {
		opts = append(opts, otlploghttp.WithTLSClientConfig(s.tls))
	}
	if len(s.cfg.Headers) > 0 {
		opts = append(opts, otlploghttp.WithHeaders(s.cfg.Headers))
	}
	if s.cfg.Timeout > 0 {
		opts = append(opts, otlploghttp.WithTimeout(s.cfg.Timeout))
	}
	if s.gzip {
		opts = append(opts, otlploghttp.WithCompression(otlploghttp.GzipCompression))
	}
	if s.retry {
		opts = append(opts, otlploghttp.WithRetry(otlploghttp.RetryConfig{
			Enabled:         true,
			InitialInterval: s.backoff.initial,
			MaxInterval:     s.backoff.max,
			MaxElapsedTime:  s.backoff.elapsed,
		}))
	}
	return opts
}

// TracerProvider wraps the OpenTelemetry tracer provider
type TracerProvider struct {
	provider *sdktrace.TracerProvider
}

// InitTracerProvider installs a global tracer provider exporting over OTLP.
func InitTracerProvider(cfg Config) (*TracerProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	protocol, err := parseOTLPProtocol(cfg.OTLPConfig.Protocol)
	if err != nil {
		return nil, err
	}
	settings, err := newExporterSettings(cfg.OTLPConfig)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	if protocol == otlpProtocolHTTP {
		exporter, err = otlptracehttp.New(ctx, settings.traceHTTPOptions()...)
	} else {
		exporter, err = otlptracegrpc.New(ctx, settings.traceGRPCOptions()...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(traceSamplerForRatio(cfg.TraceSampleRatio)),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{provider: provider}, nil
}

func traceSamplerForRatio(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.NeverSample()
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// Shutdown flushes pending spans and stops the tracer provider.
func (tp *TracerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownProvider(ctx, logger, "tracer", tp.provider.Shutdown)
}

// LoggerProvider wraps the OpenTelemetry logger provider
type LoggerProvider struct {
	provider *log.LoggerProvider
}

// InitLoggerProvider builds a logger provider exporting over OTLP. It is not
// installed globally; logging bridges it through otelslog.
func InitLoggerProvider(cfg Config) (*LoggerProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}
	protocol, err := parseOTLPProtocol(cfg.OTLPConfig.Protocol)
	if err != nil {
		return nil, err
	}
	settings, err := newExporterSettings(cfg.OTLPConfig)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	var exporter log.Exporter
	if protocol == otlpProtocolHTTP {
		exporter, err = otlploghttp.New(ctx, settings.logHTTPOptions()...)
	} else {
		exporter, err = otlploggrpc.New(ctx, settings.logGRPCOptions()...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}

	provider := log.NewLoggerProvider(
		log.WithResource(res),
		log.WithProcessor(log.NewBatchProcessor(exporter)),
	)
	return &LoggerProvider{provider: provider}, nil
}

// Shutdown flushes pending records and stops the logger provider.
func (lp *LoggerProvider) Shutdown(ctx context.Context, logger *slog.Logger) error {
	return shutdownProvider(ctx, logger, "logger", lp.provider.Shutdown)
}

// Provider returns the underlying logger provider
func (lp *LoggerProvider) Provider() *log.LoggerProvider {
	return lp.provider
}
