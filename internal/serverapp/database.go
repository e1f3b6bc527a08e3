package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"entityql/internal/config"
	"entityql/internal/logging"
)

// maxRetryInterval caps the wait between startup connection attempts.
const maxRetryInterval = 30 * time.Second

func dbSystemAttribute(driverName string) attribute.KeyValue {
	if driverName == "pgx" {
		return semconv.DBSystemPostgreSQL
	}
	return semconv.DBSystemMySQL
}

func connectDB(cfg *config.Config, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	// verify-ca and verify-full need a registered TLS config for MySQL.
	if err := cfg.Database.RegisterTLS(); err != nil {
		return nil, nil, fmt.Errorf("failed to register database TLS config: %w", err)
	}

	dsn, err := cfg.Database.DSN()
	if err != nil {
		return nil, nil, err
	}
	driverName := cfg.Database.DriverName()

	obs := cfg.Observability
	if !obs.MetricsEnabled && !obs.TracingEnabled {
		db, err := sql.Open(driverName, dsn)
		if err != nil {
			return nil, nil, err
		}
		return db, nil, nil
	}

	system := dbSystemAttribute(driverName)
	opts := []otelsql.Option{otelsql.WithAttributes(system)}
	if obs.TracingEnabled {
		opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{
			DisableErrSkip: true,
		}))
	}
	sqlCommenter := obs.SQLCommenterEnabled && obs.TracingEnabled
	if sqlCommenter {
		opts = append(opts, otelsql.WithSQLCommenter(true))
	} else if obs.SQLCommenterEnabled {
		logger.Warn("SQLCommenter requires tracing to be enabled - skipping SQLCommenter")
	}

	db, err := otelsql.Open(driverName, dsn, opts...)
	if err != nil {
		return nil, nil, err
	}

	var dbStatsReg interface{ Unregister() error }
	if obs.MetricsEnabled {
		dbStatsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(system))
		if err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
		}
	}

	logger.Info("database instrumentation enabled",
		slog.String("driver", driverName),
		slog.Bool("metrics", obs.MetricsEnabled),
		slog.Bool("tracing", obs.TracingEnabled),
		slog.Bool("sqlcommenter", sqlCommenter),
	)
	return db, dbStatsReg, nil
}

func configureDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB) error {
	db.SetMaxOpenConns(cfg.Database.Pool.MaxOpen)
	db.SetMaxIdleConns(cfg.Database.Pool.MaxIdle)
	db.SetConnMaxLifetime(cfg.Database.Pool.MaxLifetime)

	if err := waitForDatabase(ctx, cfg.Database, logger, db); err != nil {
		return err
	}

	logger.Info("connected to database",
		slog.String("driver", cfg.Database.DriverName()),
		slog.Int("pool_max_open", cfg.Database.Pool.MaxOpen),
		slog.Int("pool_max_idle", cfg.Database.Pool.MaxIdle),
		slog.Duration("pool_max_lifetime", cfg.Database.Pool.MaxLifetime),
	)
	return nil
}

// waitForDatabase pings until the database answers. A zero timeout tries
// once; otherwise attempts back off exponentially from the retry interval
// until the timeout elapses.
func waitForDatabase(ctx context.Context, cfg config.DatabaseConfig, logger *logging.Logger, db *sql.DB) error {
	if cfg.ConnectionTimeout == 0 {
		return db.PingContext(ctx)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ConnectionRetryInterval
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxRetryInterval
	b.MaxElapsedTime = cfg.ConnectionTimeout

	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			return db.PingContext(ctx)
		},
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			logger.Warn("database not ready, retrying...",
				slog.Int("attempt", attempt),
				slog.Duration("retry_in", next),
				slog.String("error", err.Error()),
			)
		},
	)
	if err != nil {
		return fmt.Errorf("database not available after %v: %w", cfg.ConnectionTimeout, err)
	}
	if attempt > 1 {
		logger.Info("database connection established", slog.Int("attempts", attempt))
	}
	return nil
}
