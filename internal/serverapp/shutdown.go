package serverapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"entityql/internal/logging"
)

// cleanupStack releases resources in reverse acquisition order.
type cleanupStack []cleanupStep

type cleanupStep struct {
	component string
	release   func(context.Context) error
}

func (s *cleanupStack) push(component string, release func(context.Context) error) {
	*s = append(*s, cleanupStep{component: component, release: release})
}

// run releases every step even when earlier ones fail and returns the joined
// failures.
func (s cleanupStack) run(ctx context.Context, logger *logging.Logger) error {
	var errs []error
	for i := len(s) - 1; i >= 0; i-- {
		step := s[i]
		started := time.Now()
		err := step.release(ctx)
		if logger != nil {
			attrs := []any{
				slog.String("component", step.component),
				slog.Duration("duration", time.Since(started)),
			}
			if err != nil {
				logger.Warn("release failed", append(attrs, slog.String("error", err.Error()))...)
			} else {
				logger.Debug("released", attrs...)
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.component, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown releases every acquired resource. Only the first call does any
// work; later calls return its result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.stateMu.Lock()
		steps := a.cleanup
		a.cleanup = nil
		a.started = false
		a.stateMu.Unlock()

		a.shutdownErr = steps.run(ctx, a.logger)
	})
	return a.shutdownErr
}
