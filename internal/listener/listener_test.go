package listener

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/basket/activity-sync/internal/broker"
	"github.com/basket/activity-sync/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFetcher struct {
	events map[int64]wire.ActivityEvent
	err    error
}

func (f *fakeFetcher) FetchBySeq(_ context.Context, org string, seq int64) (wire.ActivityEvent, error) {
	if f.err != nil {
		return wire.ActivityEvent{}, f.err
	}
	ev, ok := f.events[seq]
	if !ok {
		return wire.ActivityEvent{}, errNotFound
	}
	return ev, nil
}

var errNotFound = &fetchNotFoundError{}

type fetchNotFoundError struct{}

func (e *fetchNotFoundError) Error() string { return "not found" }

func TestHandleNotification_PublishesResolvedRow(t *testing.T) {
	b := broker.New(4, 8, nil)
	sub := b.Subscribe("org_1")
	t.Cleanup(sub.Close)

	fetcher := &fakeFetcher{events: map[int64]wire.ActivityEvent{
		5: {Org: "org_1", Seq: 5, EventID: "evt-5"},
	}}
	l := New(nil, "activity", fetcher, b, discardLogger())

	l.handleNotification(context.Background(), `{"organization_id":"org_1","seq":5}`)

	got, lag, err := sub.Recv(context.Background())
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if lag != 0 {
		t.Fatalf("unexpected lag: %d", lag)
	}
	if got.Seq != 5 || got.EventID != "evt-5" {
		t.Fatalf("unexpected event: %+v", got)
	}
}

func TestHandleNotification_MalformedPayloadDropped(t *testing.T) {
	b := broker.New(4, 8, nil)
	fetcher := &fakeFetcher{events: map[int64]wire.ActivityEvent{}}
	l := New(nil, "activity", fetcher, b, discardLogger())

	// Should not panic; should simply drop.
	l.handleNotification(context.Background(), `not json`)
	l.handleNotification(context.Background(), `{"organization_id":"","seq":0}`)
}

func TestHandleNotification_FetchErrorDropped(t *testing.T) {
	b := broker.New(4, 8, nil)
	fetcher := &fakeFetcher{events: map[int64]wire.ActivityEvent{}}
	l := New(nil, "activity", fetcher, b, discardLogger())

	// seq 99 is absent from the fake fetcher -> FetchBySeq errors, event dropped.
	l.handleNotification(context.Background(), `{"organization_id":"org_1","seq":99}`)
}
