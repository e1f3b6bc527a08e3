// Command entityql-server serves the GraphQL API over the configured database.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"entityql/internal/config"
	"entityql/internal/serverapp"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := config.NewFlagSet("entityql-server")
	fs.Bool("version", false, "Print version and exit")

	cfg, err := config.Load(fs, args)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if showVersion, _ := fs.GetBool("version"); showVersion {
		_, _ = fmt.Fprintf(stdout, "entityql %s (%s)\n", Version, Commit)
		return nil
	}

	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = Version
	}

	if err := reportValidation(cfg.Validate()); err != nil {
		return err
	}

	logger, loggerProvider, err := serverapp.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	app, err := serverapp.New(cfg, logger)
	if err != nil {
		if loggerProvider != nil {
			_ = loggerProvider.Shutdown(context.Background(), logger.Logger)
		}
		return err
	}
	app.AttachLoggerProvider(loggerProvider)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Init(ctx); err != nil {
		return err
	}
	if err := app.Run(ctx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func reportValidation(result *config.ValidationResult) error {
	for _, warn := range result.Warnings {
		slog.Warn("configuration warning",
			slog.String("field", warn.Field),
			slog.String("message", warn.Message),
			slog.String("hint", warn.Hint),
		)
	}
	if !result.HasErrors() {
		return nil
	}
	for _, err := range result.Errors {
		slog.Error("configuration error",
			slog.String("field", err.Field),
			slog.String("message", err.Message),
			slog.String("hint", err.Hint),
		)
	}
	return fmt.Errorf("configuration validation failed: %w", result)
}
