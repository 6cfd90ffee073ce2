package worker

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/whirr-ml/whirr/logger"
)

// SignalState tracks the two-stage shutdown protocol: the first SIGINT or
// SIGTERM requests a drain (finish the current job, then exit), the second
// forces immediate child termination. The handler goroutine only bumps an
// atomic counter; the worker loop and supervisor poll it at every tick.
type SignalState struct {
	count atomic.Int32
}

// NewSignalState installs the handler and returns the shared state.
func NewSignalState() *SignalState {
	s := &SignalState{}
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for range ch {
			n := s.count.Add(1)
			switch n {
			case 1:
				logger.Logger.Infow("Shutdown requested, finishing current job (interrupt again to force)")
			case 2:
				logger.Logger.Warnw("Force shutdown requested, terminating current job")
			}
		}
	}()

	return s
}

// Drain reports whether at least one shutdown signal has arrived.
func (s *SignalState) Drain() bool {
	return s.count.Load() >= 1
}

// Force reports whether a second shutdown signal has arrived.
func (s *SignalState) Force() bool {
	return s.count.Load() >= 2
}

// RequestDrain requests a drain programmatically.
func (s *SignalState) RequestDrain() {
	s.count.CompareAndSwap(0, 1)
}

// RequestForce escalates programmatically, used by tests and by the worker
// when its context is cancelled.
func (s *SignalState) RequestForce() {
	s.count.Store(2)
}
