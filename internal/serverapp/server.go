package serverapp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"entityql/internal/config"
	"entityql/internal/logging"
	"entityql/internal/tlscert"
)

func buildServer(cfg *config.Config, logger *logging.Logger, handler http.Handler, serverAddr string) (*http.Server, error) {
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if !cfg.Server.TLSEnabled() {
		return srv, nil
	}
	source, err := tlscert.New(tlscert.Config{
		Mode:            tlscert.Mode(cfg.Server.EffectiveTLSMode()),
		CertFile:        cfg.Server.TLSCertFile,
		KeyFile:         cfg.Server.TLSKeyFile,
		SelfSignedDir:   cfg.Server.TLSSelfSignedDir,
		SelfSignedHosts: cfg.Server.TLSSelfSignedHosts,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("TLS enabled", slog.String("certificate", source.Description()))
	srv.TLSConfig = source.TLSConfig()
	return srv, nil
}

func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, serverAddr string) chan error {
	serverErrors := make(chan error, 1)
	tlsEnabled := cfg.Server.TLSEnabled()
	go func() {
		protocol := "http"
		if tlsEnabled {
			protocol = "https"
		}

		logAttrs := []any{
			slog.String("protocol", protocol),
			slog.String("address", serverAddr),
			slog.String("graphql_endpoint", "/graphql"),
			slog.String("health_endpoint", "/health"),
			slog.Int("max_results", cfg.Server.MaxResults),
			slog.Bool("auth_enabled", cfg.Server.Auth.Enabled()),
			slog.String("log_level", cfg.Observability.Logging.Level),
		}
		if cfg.Observability.MetricsEnabled {
			logAttrs = append(logAttrs, slog.String("metrics_endpoint", "/metrics"))
		}
		if cfg.Server.RateLimitEnabled {
			logAttrs = append(logAttrs,
				slog.Float64("rate_limit_rps", cfg.Server.RateLimitRPS),
				slog.Int("rate_limit_burst", cfg.Server.RateLimitBurst),
			)
		}
		logger.Info("server starting", logAttrs...)

		var err error
		if tlsEnabled {
			// Certificates come from srv.TLSConfig.GetCertificate.
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}
