package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/activity-sync/internal/broker"
	"github.com/basket/activity-sync/internal/identity"
	"github.com/basket/activity-sync/internal/wire"
)

// wsTokenExpiryGrace is how long past a token's exp claim the session keeps
// running before the periodic auth tick closes it — grounded on
// original_source/crates/remote/src/ws/session.rs's WS_TOKEN_EXPIRY_GRACE,
// giving the client a window to push a fresh auth_token frame before the
// connection is cut.
const wsTokenExpiryGrace = 30 * time.Second

// handleWebSocket serves GET /ws?cursor=<seq?>, upgrading to a duplex
// JSON-framed activity stream for the caller's organization.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
		return
	}

	cursor := int64(0)
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"invalid cursor parameter"}`, http.StatusBadRequest)
			return
		}
		cursor = n
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	sess := &wsSession{
		srv:      s,
		org:      id.OrgID,
		identity: id,
		conn:     conn,
		logger:   s.cfg.Logger.With("org", id.OrgID, "user", id.UserID),
	}
	sess.run(r.Context(), cursor)
}

// wsSession holds one connection's state for the Open/Live/Gap/Lag/Closed
// machine described by SPEC_FULL.md §4.4, grounded directly on
// original_source/crates/remote/src/ws/session.rs's handle/
// activity_stream_catch_up/catch_up_from_db functions.
type wsSession struct {
	srv      *Server
	org      string
	identity identity.Identity
	conn     *websocket.Conn
	logger   *slog.Logger

	lastSentSeq    int64
	pendingToken   string
	authVerifiedAt time.Time
}

// run drives the session from Open through Live until Closed.
func (sess *wsSession) run(ctx context.Context, cursor int64) {
	cfg := sess.srv.cfg

	// Open: subscribe before the historical catch-up read so no event
	// published between the two can be missed — the broker only delivers
	// events published after Subscribe, and FetchSince below reads anything
	// committed up to (and possibly slightly past) that point; any overlap
	// is deduped by handleEvent's seq <= lastSentSeq check.
	sub := cfg.Broker.Subscribe(sess.org)
	defer sub.Close()

	if cfg.Metrics != nil {
		cfg.Metrics.WSSessionsActive.Add(ctx, 1)
		defer cfg.Metrics.WSSessionsActive.Add(ctx, -1)
	}

	sess.lastSentSeq = cursor
	history, err := cfg.Activity.FetchSince(ctx, sess.org, cursor, cfg.ActivityDefaultLimit)
	if err != nil {
		sess.logger.Error("ws: initial catch-up fetch failed", "error", err)
		_ = sess.conn.Close(websocket.StatusInternalError, "catch-up failed")
		return
	}
	for _, ev := range history {
		if !sess.send(ctx, ev) {
			return
		}
	}

	sess.authVerifiedAt = time.Now()

	brokerCh := make(chan brokerTick)
	go sess.brokerLoop(ctx, sub, brokerCh)

	inboundCh := make(chan inboundTick)
	go sess.readLoop(ctx, inboundCh)

	authTicker := time.NewTicker(cfg.WSAuthRefreshInterval)
	defer authTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case tick, ok := <-brokerCh:
			if !ok {
				return
			}
			if tick.err != nil {
				return
			}
			if tick.lag > 0 {
				// Zero-value tick: the resolved event at the advanced
				// position arrives on the broker loop's next Recv.
				continue
			}
			if !sess.handleEvent(ctx, sub, tick.ev) {
				return
			}

		case tick, ok := <-inboundCh:
			if !ok {
				return
			}
			if tick.err != nil {
				return
			}
			sess.handleInbound(tick.msg)

		case <-authTicker.C:
			if !sess.checkAuth(ctx) {
				return
			}
		}
	}
}

type brokerTick struct {
	ev  wire.ActivityEvent
	lag int64
	err error
}

// brokerLoop feeds sub.Recv results onto ch until ctx is cancelled or Recv
// errors, composing the broker's blocking receive into the session's select.
func (sess *wsSession) brokerLoop(ctx context.Context, sub *broker.Subscriber, ch chan<- brokerTick) {
	defer close(ch)
	for {
		ev, lag, err := sub.Recv(ctx)
		select {
		case ch <- brokerTick{ev: ev, lag: lag, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

type inboundTick struct {
	msg wire.ClientMessage
	err error
}

// readLoop feeds inbound client frames onto ch, composing wsjson.Read's
// blocking call into the session's select.
func (sess *wsSession) readLoop(ctx context.Context, ch chan<- inboundTick) {
	defer close(ch)
	for {
		var msg wire.ClientMessage
		err := wsjson.Read(ctx, sess.conn, &msg)
		if err != nil {
			select {
			case ch <- inboundTick{err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ch <- inboundTick{msg: msg}:
		case <-ctx.Done():
			return
		}
	}
}

// handleInbound applies a client->server frame. Ack frames are currently
// informational only; auth_token frames stage a token for the next auth
// tick to verify.
func (sess *wsSession) handleInbound(msg wire.ClientMessage) {
	switch msg.Type {
	case wire.ClientMessageAuthToken:
		sess.pendingToken = msg.Token
	case wire.ClientMessageAck:
	}
}

// send writes ev to the client and advances lastSentSeq, returning false if
// the connection should be torn down.
func (sess *wsSession) send(ctx context.Context, ev wire.ActivityEvent) bool {
	if err := wsjson.Write(ctx, sess.conn, wire.NewActivityMessage(ev)); err != nil {
		return false
	}
	sess.lastSentSeq = ev.Seq
	return true
}

// sendError best-effort sends an error frame before the caller closes.
func (sess *wsSession) sendError(ctx context.Context, message string) {
	_ = wsjson.Write(ctx, sess.conn, wire.NewErrorMessage(message))
}

// handleEvent applies one broker-delivered event: duplicates (already sent
// or older) are dropped, the immediate next seq is forwarded directly, and
// anything further ahead triggers a Gap catch-up from the database.
func (sess *wsSession) handleEvent(ctx context.Context, sub *broker.Subscriber, ev wire.ActivityEvent) bool {
	if ev.Seq <= sess.lastSentSeq {
		return true
	}
	if ev.Seq == sess.lastSentSeq+1 {
		return sess.send(ctx, ev)
	}
	return sess.catchUp(ctx, sub, ev.Seq, "gap")
}

// catchUp resolves a gap between lastSentSeq and targetSeq by paging through
// FetchSince. Grounded on activity_stream_catch_up/catch_up_from_db: give up
// if the gap exceeds WSBulkSyncThreshold, and treat an empty page before
// reaching targetSeq as a stale read (the allocating transaction for some
// seq in between hasn't committed/been observed yet) rather than retrying
// forever.
func (sess *wsSession) catchUp(ctx context.Context, sub *broker.Subscriber, targetSeq int64, reason string) bool {
	cfg := sess.srv.cfg

	if targetSeq <= sess.lastSentSeq {
		return true
	}
	if cfg.Metrics != nil {
		cfg.Metrics.WSCatchupTotal.Add(ctx, 1)
	}
	if targetSeq-sess.lastSentSeq > int64(cfg.WSBulkSyncThreshold) {
		sess.logger.Info("ws: activity catch up exceeded threshold, forcing bulk sync",
			"reason", reason, "target_seq", targetSeq, "last_sent_seq", sess.lastSentSeq)
		sess.sendError(ctx, "activity backlog dropped")
		return false
	}

	batch := cfg.ActivityCatchupBatchSize
	for sess.lastSentSeq < targetSeq {
		remaining := targetSeq - sess.lastSentSeq
		limit := batch
		if remaining < int64(limit) {
			limit = int(remaining)
		}
		events, err := cfg.Activity.FetchSince(ctx, sess.org, sess.lastSentSeq, limit)
		if err != nil {
			sess.logger.Error("ws: catch-up fetch failed", "error", err)
			return false
		}
		if len(events) == 0 {
			sess.logger.Info("ws: catch-up read observed a stale gap, forcing bulk sync",
				"reason", reason, "target_seq", targetSeq, "last_sent_seq", sess.lastSentSeq)
			sess.sendError(ctx, "activity backlog dropped")
			return false
		}
		for _, ev := range events {
			if !sess.send(ctx, ev) {
				return false
			}
			if sess.lastSentSeq >= targetSeq {
				return true
			}
		}
	}
	return true
}

// checkAuth runs on every WSAuthRefreshInterval tick: it verifies any
// pending token pushed by the client, then checks the active identity's exp
// claim (plus grace) against the clock, closing the session on expiry or
// verification failure.
func (sess *wsSession) checkAuth(ctx context.Context) bool {
	if sess.pendingToken != "" {
		token := sess.pendingToken
		sess.pendingToken = ""
		newID, err := sess.srv.cfg.Identity.Verify(ctx, token)
		if err != nil {
			sess.logger.Info("ws: closing on auth refresh failure", "error", err)
			sess.sendError(ctx, "authorization error")
			_ = sess.conn.Close(websocket.StatusPolicyViolation, "authorization error")
			return false
		}
		if newID.UserID != sess.identity.UserID || newID.OrgID != sess.org {
			sess.logger.Info("ws: closing on auth refresh identity mismatch")
			sess.sendError(ctx, "authorization error")
			_ = sess.conn.Close(websocket.StatusPolicyViolation, "authorization error")
			return false
		}
		sess.identity = newID
		sess.authVerifiedAt = time.Now()
	}

	if sess.tokenExpired() {
		sess.logger.Info("ws: closing on token expiry")
		sess.sendError(ctx, "authorization expired")
		_ = sess.conn.Close(websocket.StatusPolicyViolation, "authorization expired")
		return false
	}
	return true
}

// tokenExpired reports whether the active identity's exp claim (plus grace)
// has passed. Identities without a parseable exp claim are treated as
// never expiring here — Verify itself already rejected a token with a
// missing/invalid exp at initial auth time.
func (sess *wsSession) tokenExpired() bool {
	raw, ok := sess.identity.Claims["exp"]
	if !ok {
		return false
	}
	var expUnix float64
	switch v := raw.(type) {
	case float64:
		expUnix = v
	case int64:
		expUnix = float64(v)
	default:
		return false
	}
	expiresAt := time.Unix(int64(expUnix), 0)
	return time.Now().After(expiresAt.Add(wsTokenExpiryGrace))
}
