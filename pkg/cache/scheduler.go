package cache

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultSweepInterval is the gap between successful expiry sweeps.
	DefaultSweepInterval = time.Hour
	// errorRetrySleep is the shortened wait after a failed sweep.
	errorRetrySleep = time.Minute
)

// Scheduler periodically runs CleanupExpired. A failed sweep is retried
// after errorRetrySleep instead of a full interval. Sweeps are idempotent
// and safe to run from multiple processes.
type Scheduler struct {
	cache    *Cache
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler for the cache. A non-positive interval
// means DefaultSweepInterval.
func NewScheduler(cache *Cache, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Scheduler{cache: cache, interval: interval}
}

// Start launches the background sweep loop. Repeated calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cache sweep scheduler started", "interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cache sweep scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	for {
		wait := s.interval
		if _, err := s.cache.CleanupExpired(ctx); err != nil {
			slog.Error("Cache sweep failed", "error", err)
			wait = errorRetrySleep
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}
