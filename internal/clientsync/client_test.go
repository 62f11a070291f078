package clientsync_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/activity-sync/internal/clientsync"
	"github.com/basket/activity-sync/internal/wire"
)

func TestClient_BulkSnapshot_SendsBearerTokenAndDecodes(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/tasks/bulk" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		seq := int64(7)
		_ = json.NewEncoder(w).Encode(wire.BulkSnapshot{
			Tasks:     []wire.Task{{ID: "task_1"}},
			LatestSeq: &seq,
		})
	}))
	defer ts.Close()

	session := clientsync.NewSession("")
	session.Set(signToken(t, "user_1", "org_1"))
	client := clientsync.NewClient(ts.URL, session)

	snap, err := client.BulkSnapshot(context.Background())
	if err != nil {
		t.Fatalf("bulk snapshot: %v", err)
	}
	if len(snap.Tasks) != 1 || snap.Tasks[0].ID != "task_1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.LatestSeq == nil || *snap.LatestSeq != 7 {
		t.Fatalf("unexpected latest_seq: %+v", snap.LatestSeq)
	}
	if gotAuth != "Bearer "+session.Token() {
		t.Fatalf("expected bearer token forwarded, got %q", gotAuth)
	}
}

func TestClient_ActivitySince_EncodesQueryAndDecodesEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") != "5" || r.URL.Query().Get("limit") != "50" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []wire.ActivityEvent{{Seq: 6, Org: "org_1"}},
		})
	}))
	defer ts.Close()

	client := clientsync.NewClient(ts.URL, clientsync.NewSession(""))
	events, err := client.ActivitySince(context.Background(), 5, 50)
	if err != nil {
		t.Fatalf("activity since: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 6 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestClient_WebSocketURL_RewritesScheme(t *testing.T) {
	client := clientsync.NewClient("https://api.example.com", clientsync.NewSession(""))
	got := client.WebSocketURL(42)
	want := "wss://api.example.com/ws?cursor=42"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
