package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Supervisee is the minimal shape Supervise needs from the Scheduler: a
// blocking Run bound to ctx, and a Stop that tells it to stop picking up
// new work without touching whatever it is currently running.
type Supervisee interface {
	Run(ctx context.Context) error
	Stop()
}

// Supervise runs s until the process receives an interrupt or
// termination signal. On the first signal it calls s.Stop() so no new
// task is picked up, then gives the in-flight task up to shutdownTimeout
// to finish on its own. A second signal, or the timeout elapsing first,
// cancels ctx so the in-flight task is aborted immediately; Supervise
// then returns as soon as s.Run does.
func Supervise(ctx context.Context, s Supervisee, shutdownTimeout time.Duration, logger *zap.Logger) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return supervise(ctx, s, shutdownTimeout, logger, sigCh)
}

// supervise is Supervise's logic against an injectable signal channel,
// so tests can drive it without sending real OS signals.
func supervise(ctx context.Context, s Supervisee, shutdownTimeout time.Duration, logger *zap.Logger, sigCh <-chan os.Signal) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 60 * time.Second
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()

	select {
	case err := <-done:
		return err
	case <-sigCh:
	}

	logger.Info("shutdown requested, draining in-flight task", zap.Duration("grace_period", shutdownTimeout))
	s.Stop()

	timer := time.NewTimer(shutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		logger.Info("in-flight task finished within the grace period")
		return err
	case <-sigCh:
		logger.Warn("second signal received, forcing shutdown")
	case <-timer.C:
		logger.Warn("shutdown grace period elapsed, aborting in-flight task")
	}

	cancelRun()
	return <-done
}
