package serverapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Start launches the HTTP listener in the background. Listener failures are
// delivered on the returned channel. Calling Start twice returns the same
// channel.
func (a *App) Start() (<-chan error, error) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if !a.initialized {
		return nil, errors.New("serverapp: Start called before Init")
	}
	if !a.started {
		a.serverErrors = startServer(a.cfg, a.logger, a.srv, a.serverAddr)
		a.started = true
	}
	return a.serverErrors, nil
}

// Run starts the server and blocks until ctx is cancelled or the listener
// fails, then releases every resource within the configured shutdown
// timeout.
func (a *App) Run(ctx context.Context) error {
	serverErrors, err := a.Start()
	if err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested", slog.String("cause", context.Cause(ctx).Error()))
	case err := <-serverErrors:
		if err == nil {
			err = errors.New("server stopped unexpectedly")
		}
		runErr = err
	}

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	return runErr
}
