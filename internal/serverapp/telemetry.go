package serverapp

import (
	"log/slog"

	"entityql/internal/config"
	"entityql/internal/logging"
	"entityql/internal/observability"
)

func otlpExporterConfig(c config.OTLPConfig) observability.OTLPExporterConfig {
	return observability.OTLPExporterConfig{
		Endpoint:          c.Endpoint,
		Protocol:          c.Protocol,
		Insecure:          c.Insecure,
		TLSCertFile:       c.TLSCertFile,
		TLSClientCertFile: c.TLSClientCertFile,
		TLSClientKeyFile:  c.TLSClientKeyFile,
		Headers:           c.Headers,
		Timeout:           c.Timeout,
		Compression:       c.Compression,
		RetryEnabled:      c.RetryEnabled,
		RetryMaxAttempts:  c.RetryMaxAttempts,
	}
}

func telemetryConfig(cfg *config.Config, otlp config.OTLPConfig) observability.Config {
	return observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig:       otlpExporterConfig(otlp),
	}
}

// InitLogger builds the process logger. With log exports enabled the logger
// also writes through an OTLP logger provider, which the caller must shut
// down.
func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.GetLogsConfig()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(telemetryConfig(cfg, logsConfig))
	if err != nil {
		return nil, nil, err
	}

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)
	logger.Info("OpenTelemetry logging initialized")

	return logger, loggerProvider, nil
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.GraphQLMetrics, *observability.SecurityMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil, nil
	}

	meterProvider, err := observability.InitMeterProvider(telemetryConfig(cfg, config.OTLPConfig{}))
	if err != nil {
		return nil, nil, nil, err
	}

	graphqlMetrics, err := observability.InitMetrics(logger.Logger)
	if err != nil {
		return nil, nil, nil, err
	}

	securityMetrics, err := observability.InitSecurityMetrics()
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Info("OpenTelemetry metrics initialized", slog.String("service_name", cfg.Observability.ServiceName))

	return meterProvider, graphqlMetrics, securityMetrics, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.GetTracesConfig()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
	)

	return observability.InitTracerProvider(telemetryConfig(cfg, tracesConfig))
}
