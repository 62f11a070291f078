// Package broker implements the in-process sharded fan-out fabric that
// publishes activity events to live WebSocket sessions without one busy
// organization starving another.
//
// Grounded directly on original_source's ActivityBroker
// (shard_count=16, shard_capacity=512, hash-based shard index) and on the
// teacher's internal/bus/bus.go for the non-blocking-publish,
// exponential-threshold drop-warning idiom. Unlike tokio::sync::broadcast,
// Go channels don't support "oldest evicted, lagged receiver notified"
// semantics natively, so each organization's ring is a fixed-size buffer
// guarded by a mutex; subscribers hold their own read cursor into it and
// are woken via a replaced "wake" channel on every publish.
package broker

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/basket/activity-sync/internal/otel"
	"github.com/basket/activity-sync/internal/wire"
)

// DefaultShardCount and DefaultShardCapacity mirror original_source's
// ActivityBroker::new(16, 512) defaults.
const (
	DefaultShardCount    = 16
	DefaultShardCapacity = 512
)

// Broker fans out ActivityEvents to per-organization subscribers across a
// fixed number of shards, bounding memory under tenant churn at the cost of
// a per-event organization filter within a shard (there is none here: each
// shard holds one ring per organization it owns, so no filter is needed —
// see shard.go).
type Broker struct {
	shards []*shard
	logger *slog.Logger

	eventsPublished atomic.Int64
	lagEvents       atomic.Int64
	lastLagWarning  atomic.Int64

	metrics *otel.Metrics
}

// SetMetrics attaches the §4.11 OTel instruments so every overflow recorded
// by Recv is also exported as broker_dropped_events_total. Left unset, the
// broker still tracks LagEvents() internally; wiring metrics is optional so
// unit tests don't need a meter provider.
func (b *Broker) SetMetrics(m *otel.Metrics) {
	b.metrics = m
}

// New creates a Broker with shardCount shards, each organization ring
// holding up to shardCapacity of its most recent events.
func New(shardCount, shardCapacity int, logger *slog.Logger) *Broker {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}
	if shardCapacity <= 0 {
		shardCapacity = DefaultShardCapacity
	}
	b := &Broker{
		shards: make([]*shard, shardCount),
		logger: logger,
	}
	for i := range b.shards {
		b.shards[i] = newShard(shardCapacity)
	}
	return b
}

// shardIndex hashes org to a shard slot. Grounded on ActivityBroker's
// DefaultHasher-based shard_index; Go has no stdlib SipHash, so FNV-1a
// (hash/fnv) stands in as the deterministic, dependency-free hash.
func (b *Broker) shardIndex(org string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(org))
	return int(h.Sum32()) % len(b.shards)
}

func (b *Broker) shardFor(org string) *shard {
	return b.shards[b.shardIndex(org)]
}

// Publish appends ev to its organization's ring and wakes any waiting
// subscribers. Publish never blocks and never fails: a full ring silently
// evicts its oldest entry, observed by subscribers as Lag on their next Recv.
func (b *Broker) Publish(ev wire.ActivityEvent) {
	b.shardFor(ev.Org).publish(ev)
	b.eventsPublished.Add(1)
}

// EventsPublished returns the total number of events published since startup.
func (b *Broker) EventsPublished() int64 { return b.eventsPublished.Load() }

// LagEvents returns the total number of times a subscriber's Recv observed
// an overflow (the ring evicted entries it had not yet read).
func (b *Broker) LagEvents() int64 { return b.lagEvents.Load() }

// Subscribe registers a new subscriber for org, positioned at the ring's
// current write head: only events published from this point on are
// delivered. Historical events must be fetched separately via the activity
// repository (Open state, spec.md §4.4) — this closes the race between
// subscribing and the first live event.
func (b *Broker) Subscribe(org string) *Subscriber {
	sub := b.shardFor(org).subscribe(org)
	sub.broker = b
	return sub
}

// Recv blocks until the next event is available for sub, ctx is cancelled,
// or the subscriber observes lag. lag > 0 means the ring evicted events
// before the subscriber could read them; the caller must recover via a
// database catch-up read up to a freshly observed seq before resuming Recv.
func (sub *Subscriber) Recv(ctx context.Context) (ev wire.ActivityEvent, lag int64, err error) {
	ev, lag, err = sub.ring.recv(ctx, &sub.pos)
	if lag > 0 {
		sub.broker.lagEvents.Add(1)
		sub.broker.maybeLogLagWarning(sub.broker.lagEvents.Load(), sub.org)
		if sub.broker.metrics != nil {
			sub.broker.metrics.BrokerDroppedTotal.Add(ctx, lag)
		}
	}
	return ev, lag, err
}

func (b *Broker) maybeLogLagWarning(newCount int64, org string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	last := b.lastLagWarning.Load()
	if threshold <= last {
		return
	}
	if b.lastLagWarning.CompareAndSwap(last, threshold) {
		b.logger.Warn("broker_lag_events_reached_threshold",
			slog.Int64("count", newCount),
			slog.String("org", org),
		)
	}
}

// dropThreshold returns the next exponential threshold (1, 10, 100, ...) at
// or below count — kept identical to the teacher's bus.go dedup logic so
// warnings don't storm under sustained overflow.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

// Subscriber is a single consumer's read cursor into one organization's ring.
type Subscriber struct {
	org    string
	ring   *orgRing
	pos    int64
	broker *Broker

	mu     sync.Mutex
	closed bool
}

// Close releases the subscriber's slot in the ring's active-subscriber count.
func (sub *Subscriber) Close() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	sub.ring.subscribers.Add(-1)
}
