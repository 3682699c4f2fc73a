// Package supervisor ties the configuration core, the service and TTY
// tables and the state machine together into the single-threaded event
// loop that owns all process-wide state.
package supervisor

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SignalQueue captures OS signals for deferred processing in the main
// loop. Nothing is acted on at delivery time; the loop drains the queue
// between state machine steps.
type SignalQueue struct {
	C      <-chan os.Signal
	ch     chan os.Signal
	logger *slog.Logger
}

// NewSignalQueue creates a signal queue with a buffer of 16 signals.
// It registers for SIGTERM, SIGINT, SIGQUIT, SIGHUP, SIGUSR1, SIGUSR2
// and SIGCHLD.
func NewSignalQueue(logger *slog.Logger) *SignalQueue {
	ch := make(chan os.Signal, 16)
	signal.Notify(ch,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGHUP,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
		syscall.SIGCHLD,
	)
	return &SignalQueue{
		C:      ch,
		ch:     ch,
		logger: logger,
	}
}

// Stop deregisters signal notifications.
func (sq *SignalQueue) Stop() {
	signal.Stop(sq.ch)
}
