package contextutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

var ErrShutdown = errors.New("fleetsync shutdown requested")

// SetupSignals returns a context cancelled on the first SIGINT or SIGTERM, with
// ErrShutdown as the cause. A second signal exits the process immediately.
func SetupSignals(ctx context.Context) context.Context {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
	ctxCa, ca := context.WithCancelCause(ctx)
	go func() {
		select {
		case s := <-sig:
			slog.With("signal", s.String()).Info("shutdown signal received, send again to force exit")
			ca(fmt.Errorf("%s received: %w", s, ErrShutdown))
		case <-ctxCa.Done():
			signal.Stop(sig)
			return
		}
		s := <-sig
		slog.With("signal", s.String()).Warn("forcing exit")
		os.Exit(1)
	}()
	return ctxCa
}
