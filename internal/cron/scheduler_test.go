package cron_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/activity-sync/internal/cron"
)

type countingRefresher struct {
	calls atomic.Int64
	err   error
}

func (c *countingRefresher) RefreshJWKS(context.Context) error {
	c.calls.Add(1)
	return c.err
}

// waitFor polls check at short intervals until it returns true or the
// deadline elapses, avoiding fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestScheduler_FiresImmediatelyOnStart(t *testing.T) {
	refresher := &countingRefresher{}
	s := cron.NewScheduler(cron.Config{Refresher: refresher, Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return refresher.calls.Load() >= 1 })
}

func TestScheduler_FiresRepeatedlyOnInterval(t *testing.T) {
	refresher := &countingRefresher{}
	s := cron.NewScheduler(cron.Config{Refresher: refresher, Interval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return refresher.calls.Load() >= 3 })
}

func TestScheduler_StopHaltsFurtherTicks(t *testing.T) {
	refresher := &countingRefresher{}
	s := cron.NewScheduler(cron.Config{Refresher: refresher, Interval: 10 * time.Millisecond})
	ctx := context.Background()

	s.Start(ctx)
	waitFor(t, time.Second, func() bool { return refresher.calls.Load() >= 1 })
	s.Stop()

	afterStop := refresher.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if refresher.calls.Load() != afterStop {
		t.Fatalf("expected no further ticks after Stop, count grew from %d to %d",
			afterStop, refresher.calls.Load())
	}
}

func TestScheduler_ToleratesRefreshError(t *testing.T) {
	refresher := &countingRefresher{err: context.DeadlineExceeded}
	s := cron.NewScheduler(cron.Config{Refresher: refresher, Interval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	defer s.Stop()

	waitFor(t, time.Second, func() bool { return refresher.calls.Load() >= 2 })
}
