package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"

	"github.com/basket/activity-sync/internal/identity"
)

func TestWsSession_TokenExpired(t *testing.T) {
	cases := []struct {
		name   string
		claims jwt.MapClaims
		want   bool
	}{
		{"fresh token", jwt.MapClaims{"exp": float64(time.Now().Add(time.Hour).Unix())}, false},
		{"expired past grace", jwt.MapClaims{"exp": float64(time.Now().Add(-time.Hour).Unix())}, true},
		{"expired within grace", jwt.MapClaims{"exp": float64(time.Now().Add(-5 * time.Second).Unix())}, false},
		{"no exp claim", jwt.MapClaims{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sess := &wsSession{identity: identity.Identity{Claims: tc.claims}}
			if got := sess.tokenExpired(); got != tc.want {
				t.Fatalf("tokenExpired() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestWsSession_CatchUp_NoOpWhenAlreadyCaughtUp(t *testing.T) {
	sess := &wsSession{
		srv:         New(Config{Logger: slog.Default()}),
		lastSentSeq: 10,
		logger:      slog.Default(),
	}
	if !sess.catchUp(context.Background(), nil, 5, "gap") {
		t.Fatal("expected catchUp to succeed immediately when targetSeq <= lastSentSeq")
	}
	if sess.lastSentSeq != 10 {
		t.Fatalf("expected lastSentSeq unchanged, got %d", sess.lastSentSeq)
	}
}

// dialTestConn spins up a real WebSocket pair over httptest so sendError's
// wsjson.Write has a live connection to write to, instead of panicking on a
// nil *websocket.Conn.
func dialTestConn(t *testing.T) (server, client *websocket.Conn, cleanup func()) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted <- conn
	}))

	wsURL := "ws" + ts.URL[len("http"):]
	c, _, err := websocket.Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var srvConn *websocket.Conn
	select {
	case srvConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	return srvConn, c, func() {
		_ = c.Close(websocket.StatusNormalClosure, "")
		ts.Close()
	}
}

func TestWsSession_CatchUp_GivesUpPastBulkThreshold(t *testing.T) {
	srvConn, client, cleanup := dialTestConn(t)
	defer cleanup()
	defer client.CloseNow()

	sess := &wsSession{
		srv: New(Config{
			Logger:              slog.Default(),
			WSBulkSyncThreshold: 5,
		}),
		lastSentSeq: 10,
		logger:      slog.Default(),
		conn:        srvConn,
	}
	if sess.catchUp(context.Background(), nil, 100, "gap") {
		t.Fatal("expected catchUp to give up when the gap exceeds WSBulkSyncThreshold")
	}
}
