package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// WithSignals returns a context canceled on SIGINT or SIGTERM, or when the
// returned function is called. Calling it also releases the signal handler.
func WithSignals(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// Graceful runs graceful and waits up to timeout for it to return. Past the
// timeout force is called, Graceful waits for graceful to unwind and reports
// false.
func Graceful(timeout time.Duration, graceful, force func()) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		graceful()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		force()
		<-done
		return false
	}
}
