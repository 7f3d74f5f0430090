package runtime

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// ErrStopped is the cancel cause when the service is stopped in-process.
var ErrStopped = errors.New("service stopped")

// SignalContext is cancelled on SIGINT or SIGTERM. The received signal is
// logged and available through context.Cause.
func SignalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	return notifyContext(logger, syscall.SIGINT, syscall.SIGTERM)
}

type signalError struct{ sig os.Signal }

func (e signalError) Error() string { return "received " + e.sig.String() }

func notifyContext(logger *slog.Logger, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			logger.Info("shutdown signal received", "signal", sig.String())
			cancel(signalError{sig: sig})
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(ErrStopped) }
}
