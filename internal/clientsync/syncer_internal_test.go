package clientsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/basket/activity-sync/internal/clientstore"
	"github.com/basket/activity-sync/internal/wire"
)

func signTestToken(t *testing.T, userID, orgID string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": userID, "org_id": orgID}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return signed
}

func newSyncerTestStore(t *testing.T) *clientstore.Store {
	t.Helper()
	store, err := clientstore.Open(filepath.Join(t.TempDir(), "client.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func activityPage(after int64, n int) []wire.ActivityEvent {
	events := make([]wire.ActivityEvent, n)
	for i := range events {
		seq := after + int64(i) + 1
		events[i] = wire.ActivityEvent{
			Seq: seq, Org: "org_1", EventType: wire.EventTaskCreated,
			Payload: wire.ActivityPayload{Task: wire.Task{ID: "t", OrganizationID: "org_1"}},
		}
	}
	return events
}

func TestSyncer_CatchUp_PagesUntilDrained(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
		var events []wire.ActivityEvent
		if after < 4 {
			// Two full pages of 2, then an empty page signals drained.
			events = activityPage(after, 2)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": events})
	}))
	defer ts.Close()

	store := newSyncerTestStore(t)
	session := NewSession("")
	session.Set(signTestToken(t, "user_1", "org_1"))
	sy := New(Config{PageSize: 2, BulkSyncThreshold: 100}, ts.URL, store, session, nil)

	// cursor 0 always takes the bulk path per spec.md §4.7 step 3 ("if
	// last_seq is unset ... call bulk snapshot"); start from a nonzero
	// cursor here to exercise the paginated branch.
	cursor, err := sy.catchUp(context.Background(), "org_1", 1)
	if err != nil {
		t.Fatalf("catchUp: %v", err)
	}
	if cursor != 5 {
		t.Fatalf("expected cursor to reach 5 after draining two pages (seq 2-3, 4-5), got %d", cursor)
	}

	stored, err := store.CursorFor(context.Background(), "org_1")
	if err != nil || stored != 5 {
		t.Fatalf("expected persisted cursor 5, got %d err=%v", stored, err)
	}
}

func TestSyncer_CatchUp_FallsBackToBulkWhenGapExceedsThreshold(t *testing.T) {
	var bulkCalled bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/activity":
			after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
			_ = json.NewEncoder(w).Encode(map[string]any{"data": activityPage(after, 3)})
		case "/v1/tasks/bulk":
			bulkCalled = true
			seq := int64(99)
			_ = json.NewEncoder(w).Encode(wire.BulkSnapshot{LatestSeq: &seq})
		}
	}))
	defer ts.Close()

	store := newSyncerTestStore(t)
	session := NewSession("")
	session.Set(signTestToken(t, "user_1", "org_1"))
	sy := New(Config{PageSize: 3, BulkSyncThreshold: 5}, ts.URL, store, session, nil)

	cursor, err := sy.catchUp(context.Background(), "org_1", 1)
	if err != nil {
		t.Fatalf("catchUp: %v", err)
	}
	if !bulkCalled {
		t.Fatal("expected paginated catch-up to fall back to bulk snapshot past the threshold")
	}
	if cursor != 99 {
		t.Fatalf("expected cursor from bulk snapshot (99), got %d", cursor)
	}
}

func TestSyncer_WaitForSession_ReturnsFalseOnCancelledContext(t *testing.T) {
	store := newSyncerTestStore(t)
	session := NewSession("")
	sy := New(Config{}, "http://example.invalid", store, session, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if sy.waitForSession(ctx) {
		t.Fatal("expected waitForSession to give up once ctx is done")
	}
}

func TestSyncer_WaitForSession_UnblocksOnSessionSet(t *testing.T) {
	store := newSyncerTestStore(t)
	session := NewSession("")
	sy := New(Config{}, "http://example.invalid", store, session, nil)

	done := make(chan bool, 1)
	go func() { done <- sy.waitForSession(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	session.Set(signTestToken(t, "user_1", "org_1"))

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected waitForSession to return true once session becomes active")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waitForSession never unblocked after Set")
	}
}
