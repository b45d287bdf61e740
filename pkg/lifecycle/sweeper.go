package lifecycle

import (
	"context"
	"time"
)

// Sweeper runs a maintenance function on a fixed interval. It is owned by
// the component it serves rather than running as a detached global timer:
// tests call RunOnce to tick deterministically, and production code binds
// the loop to a Coordinator so it stops with the process.
type Sweeper struct {
	interval time.Duration
	fn       func(context.Context)
}

// NewSweeper creates a Sweeper invoking fn every interval.
func NewSweeper(interval time.Duration, fn func(context.Context)) *Sweeper {
	return &Sweeper{
		interval: interval,
		fn:       fn,
	}
}

// RunOnce executes a single sweep. Exposed so tests can drive the sweep
// with a manual tick instead of waiting on the wall clock.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.fn(ctx)
}

// Start registers the sweep loop as a shutdown-aware background task.
func (s *Sweeper) Start(lc *Coordinator) {
	lc.OnShutdown(func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-lc.Context().Done():
				return
			case <-ticker.C:
				s.fn(lc.Context())
			}
		}
	})
}
