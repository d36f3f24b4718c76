package service

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// stopTimeout bounds how long shutdown waits for the agent to flush.
const stopTimeout = 20 * time.Second

// runForeground runs until SIGINT or SIGTERM, then cancels run's context and
// waits for it to return.
func runForeground(logger *zap.Logger, run func(ctx context.Context)) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		run(ctx)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}
	logger.Info("Received signal, shutting down")

	select {
	case <-done:
	case <-time.After(stopTimeout):
		logger.Warn("Agent did not stop in time", zap.Duration("timeout", stopTimeout))
	}
	return nil
}
