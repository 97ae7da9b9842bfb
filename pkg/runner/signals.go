package runner

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// NotifyShutdown derives a context that is cancelled when an interrupt
// or termination signal arrives. The returned stop function releases
// the signal watch.
func NotifyShutdown(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// WaitForShutdownSignal blocks until an interrupt or termination signal
// is received.
func WaitForShutdownSignal() {
	ctx, stop := NotifyShutdown(context.Background())
	defer stop()
	<-ctx.Done()
}
