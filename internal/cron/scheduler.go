// Package cron runs periodic maintenance work on a fixed tick, reusing the
// teacher's ticker-driven Start/Stop scheduler shape (internal/cron/scheduler.go)
// but repurposed from firing user cron schedules against the task queue to
// keeping the server's ambient caches warm: proactively refreshing the
// Clerk JWKS cache ahead of its TTL, so a verification request never pays
// the synchronous-fetch cost.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JWKSRefresher is the narrow collaborator this scheduler drives; satisfied
// by *identity.Verifier.
type JWKSRefresher interface {
	RefreshJWKS(ctx context.Context) error
}

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Refresher JWKSRefresher
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 5 minutes if zero
}

// Scheduler periodically refreshes ambient caches that would otherwise only
// update lazily on a cache miss.
type Scheduler struct {
	refresher JWKSRefresher
	logger    *slog.Logger
	interval  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		refresher: cfg.Refresher,
		logger:    logger,
		interval:  interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.refresher == nil {
		return
	}
	if err := s.refresher.RefreshJWKS(ctx); err != nil {
		s.logger.Warn("maintenance: jwks refresh failed, will retry next tick", "error", err)
	}
}
