package broker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/basket/activity-sync/internal/wire"
)

// shard owns the rings for the subset of organizations hashed to it.
type shard struct {
	capacity int64

	mu   sync.Mutex
	orgs map[string]*orgRing
}

func newShard(capacity int) *shard {
	return &shard{
		capacity: int64(capacity),
		orgs:     make(map[string]*orgRing),
	}
}

func (s *shard) ringFor(org string) *orgRing {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.orgs[org]
	if !ok {
		r = newOrgRing(s.capacity)
		s.orgs[org] = r
	}
	return r
}

func (s *shard) publish(ev wire.ActivityEvent) {
	s.ringFor(ev.Org).publish(ev)
}

func (s *shard) subscribe(org string) *Subscriber {
	ring := s.ringFor(org)
	ring.subscribers.Add(1)
	ring.mu.Lock()
	pos := ring.next
	ring.mu.Unlock()
	return &Subscriber{org: org, ring: ring, pos: pos}
}

// orgRing is a fixed-capacity circular buffer of the most recent
// ActivityEvents published for one organization, plus a wake channel used to
// notify blocked subscribers of new data without busy-polling.
type orgRing struct {
	capacity int64

	mu   sync.Mutex
	buf  []wire.ActivityEvent
	next int64 // seq of the next event that will be written (1-based)
	wake chan struct{}

	subscribers atomic.Int64
}

func newOrgRing(capacity int64) *orgRing {
	return &orgRing{
		capacity: capacity,
		buf:      make([]wire.ActivityEvent, capacity),
		next:     1,
		wake:     make(chan struct{}),
	}
}

func (r *orgRing) publish(ev wire.ActivityEvent) {
	r.mu.Lock()
	idx := ev.Seq % r.capacity
	r.buf[idx] = ev
	if ev.Seq+1 > r.next {
		r.next = ev.Seq + 1
	}
	old := r.wake
	r.wake = make(chan struct{})
	r.mu.Unlock()
	close(old)
}

// recv blocks until the event at *pos is available, ctx is cancelled, or the
// ring has already evicted *pos (in which case lag > 0 is returned and *pos
// is advanced to the oldest still-available seq; the caller must recover via
// a database catch-up read before calling recv again).
func (r *orgRing) recv(ctx context.Context, pos *int64) (wire.ActivityEvent, int64, error) {
	for {
		r.mu.Lock()
		oldest := r.next - r.capacity
		if oldest < 1 {
			oldest = 1
		}
		if *pos < oldest {
			lag := oldest - *pos
			*pos = oldest
			r.mu.Unlock()
			return wire.ActivityEvent{}, lag, nil
		}
		if *pos < r.next {
			ev := r.buf[*pos%r.capacity]
			*pos++
			r.mu.Unlock()
			return ev, 0, nil
		}
		wakeCh := r.wake
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return wire.ActivityEvent{}, 0, ctx.Err()
		case <-wakeCh:
		}
	}
}
