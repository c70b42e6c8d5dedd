// Package lifecycle holds the process plumbing shared by the agent and the
// aggregator: signal handling, logging and the TCP probe endpoint.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Run executes run until it returns or a signal arrives. On the first signal the
// run context is cancelled and run gets shutdownTimeout to return; a second
// signal or the timeout forces the exit. shutdown is always called afterwards
// with its own timeout.
func Run(ctx context.Context, logger *slog.Logger, shutdownTimeout time.Duration,
	run func(context.Context) error, shutdown func(context.Context)) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	return runWithSignals(ctx, sigCh, logger, shutdownTimeout, run, shutdown)
}

func runWithSignals(ctx context.Context, sigCh <-chan os.Signal, logger *slog.Logger, shutdownTimeout time.Duration,
	run func(context.Context) error, shutdown func(context.Context)) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- run(runCtx)
	}()

	var runErr error
	select {
	case runErr = <-runErrCh:
	case sig := <-sigCh:
		logger.Info("shutdown signal received, starting graceful shutdown", "signal", sig.String(), "timeout", shutdownTimeout)
		cancelRun()

		graceTimer := time.NewTimer(shutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
		case sig2 := <-sigCh:
			logger.Warn("second signal received, forcing immediate shutdown", "signal", sig2.String())
			runErr = context.Canceled
		case <-graceTimer.C:
			logger.Warn("graceful shutdown timeout reached, forcing shutdown", "timeout", shutdownTimeout)
			runErr = context.DeadlineExceeded
		}
	}

	if shutdown != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		shutdown(shutdownCtx)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	return nil
}
