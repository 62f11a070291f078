// Package clientsync implements the activity-sync client's supervised sync
// loop: wait for an authenticated session, catch up on missed activity
// (bulk snapshot or paginated replay), stream live events over a
// WebSocket, and reconnect with exponential backoff on any disconnect —
// grounded on spec.md §4.7 and the teacher's internal/channels/telegram.go
// reconnect loop.
package clientsync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/activity-sync/internal/clientstore"
	"github.com/basket/activity-sync/internal/wire"
)

// Config tunes the synchronizer's catch-up and reconnect behavior.
type Config struct {
	// PageSize is the limit used when paging GET /v1/activity.
	PageSize int
	// BulkSyncThreshold is the event count beyond which a paginated
	// catch-up abandons paging in favor of a full bulk snapshot.
	BulkSyncThreshold int64
	// ReconnectBaseDelay and ReconnectMaxDelay bound the exponential
	// backoff applied after a sync cycle ends (socket close or error).
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	// AuthRefreshInterval is the minimum cadence for re-sending the
	// current token as a ClientMessage AuthToken frame.
	AuthRefreshInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.BulkSyncThreshold <= 0 {
		c.BulkSyncThreshold = 100
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.AuthRefreshInterval <= 0 {
		c.AuthRefreshInterval = 2 * time.Minute
	}
	return c
}

// Syncer is one organization's sync loop. The caller owns the Session and
// is responsible for calling Session.Set whenever a new token is obtained
// (login, refresh, re-auth).
type Syncer struct {
	cfg     Config
	store   *clientstore.Store
	client  *Client
	session *Session
	proc    *Processor
	logger  *slog.Logger
}

// New constructs a Syncer.
func New(cfg Config, serverBaseURL string, store *clientstore.Store, session *Session, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		cfg:     cfg.withDefaults(),
		store:   store,
		client:  NewClient(serverBaseURL, session),
		session: session,
		proc:    NewProcessor(store, logger),
		logger:  logger,
	}
}

// Run executes the supervised sync loop until ctx is cancelled. It never
// returns a non-nil error for a cancelled context; disconnects and
// transient failures are retried internally with backoff.
func (sy *Syncer) Run(ctx context.Context) error {
	backoff := sy.cfg.ReconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		cycleErr := sy.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if cycleErr != nil {
			sy.logger.Warn("clientsync: sync cycle ended, reconnecting", "error", cycleErr, "backoff", backoff)
		} else {
			backoff = sy.cfg.ReconnectBaseDelay
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		if cycleErr != nil {
			backoff *= 2
			if backoff > sy.cfg.ReconnectMaxDelay {
				backoff = sy.cfg.ReconnectMaxDelay
			}
		}
	}
}

// runOnce waits for an active session, catches up, and streams live events
// until the connection closes or errors.
func (sy *Syncer) runOnce(ctx context.Context) error {
	if !sy.waitForSession(ctx) {
		return ctx.Err()
	}
	org := sy.session.OrgID()

	cursor, err := sy.store.CursorFor(ctx, org)
	if err != nil {
		return fmt.Errorf("clientsync: read cursor: %w", err)
	}

	cursor, err = sy.catchUp(ctx, org, cursor)
	if err != nil {
		return fmt.Errorf("clientsync: catch-up: %w", err)
	}

	return sy.streamLive(ctx, org, cursor)
}

// waitForSession blocks until the session is active or ctx is done.
func (sy *Syncer) waitForSession(ctx context.Context) bool {
	for !sy.session.Active() {
		watch := sy.session.Watch()
		select {
		case <-ctx.Done():
			return false
		case <-watch:
		}
	}
	return true
}

// catchUp replays missed activity starting from cursor, returning the new
// cursor position. An unset cursor always uses the bulk snapshot (there is
// nothing to page from); a set cursor pages GET /v1/activity until drained,
// falling back to a bulk snapshot if the gap turns out to exceed
// BulkSyncThreshold partway through paging.
func (sy *Syncer) catchUp(ctx context.Context, org string, cursor int64) (int64, error) {
	if cursor == 0 {
		return sy.bulkCatchUp(ctx, org)
	}

	var fetched int64
	for {
		events, err := sy.client.ActivitySince(ctx, cursor, sy.cfg.PageSize)
		if err != nil {
			return cursor, err
		}
		if len(events) == 0 {
			return cursor, nil
		}

		for _, ev := range events {
			if err := sy.proc.ApplyEvent(ctx, org, sy.session.UserID(), ev); err != nil {
				return cursor, err
			}
			cursor = ev.Seq
		}
		fetched += int64(len(events))

		if fetched > sy.cfg.BulkSyncThreshold {
			sy.logger.Info("clientsync: paginated gap exceeded bulk-sync threshold, switching to bulk snapshot",
				"org", org, "fetched", fetched)
			return sy.bulkCatchUp(ctx, org)
		}
		if len(events) < sy.cfg.PageSize {
			return cursor, nil
		}
	}
}

// bulkCatchUp replaces the local mirror with the server's repeatable-read
// snapshot, stamping every row with the snapshot's latest_seq: per
// spec.md §4.6 the tasks and that seq are read from one consistent point,
// so any event seq beyond it correctly supersedes a bulk-applied row.
func (sy *Syncer) bulkCatchUp(ctx context.Context, org string) (int64, error) {
	snap, err := sy.client.BulkSnapshot(ctx)
	if err != nil {
		return 0, err
	}

	var latestSeq int64
	if snap.LatestSeq != nil {
		latestSeq = *snap.LatestSeq
	}

	for _, task := range snap.Tasks {
		row := clientstore.ToSharedTaskRow(task, 0, latestSeq)
		if err := sy.store.UpsertTask(ctx, row); err != nil {
			return latestSeq, fmt.Errorf("bulk upsert task %s: %w", task.ID, err)
		}
	}
	for _, id := range snap.DeletedTaskIDs {
		if err := sy.store.DeleteTask(ctx, id); err != nil {
			return latestSeq, fmt.Errorf("bulk delete task %s: %w", id, err)
		}
	}
	if latestSeq > 0 {
		if err := sy.store.AdvanceCursor(ctx, org, latestSeq); err != nil {
			return latestSeq, fmt.Errorf("advance cursor after bulk snapshot: %w", err)
		}
	}
	return latestSeq, nil
}

// streamLive opens the WebSocket at cursor and processes frames until the
// connection closes or the server sends an Error frame, running a
// concurrent auth-refresh sub-task per spec.md §4.7 step 6.
func (sy *Syncer) streamLive(ctx context.Context, org string, cursor int64) error {
	header := http.Header{}
	if tok := sy.session.Token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, _, err := websocket.Dial(ctx, sy.client.WebSocketURL(cursor), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.CloseNow()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go sy.authRefreshLoop(streamCtx, conn)

	for {
		var msg wire.ServerMessage
		if err := wsjson.Read(streamCtx, conn, &msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}

		switch msg.Type {
		case wire.ServerMessageActivity:
			if err := sy.proc.ApplyEvent(ctx, org, sy.session.UserID(), msg.ActivityEvent); err != nil {
				return fmt.Errorf("apply event seq=%d: %w", msg.Seq, err)
			}
		case wire.ServerMessageError:
			return fmt.Errorf("server closed stream: %s", msg.Message)
		}
	}
}

// authRefreshLoop sends the active token as an auth_token frame on a
// periodic tick and immediately after any session change, so a token
// refresh reaches the server without waiting a full interval.
func (sy *Syncer) authRefreshLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(sy.cfg.AuthRefreshInterval)
	defer ticker.Stop()

	watch := sy.session.Watch()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sy.sendAuthToken(ctx, conn)
		case <-watch:
			watch = sy.session.Watch()
			sy.sendAuthToken(ctx, conn)
		}
	}
}

func (sy *Syncer) sendAuthToken(ctx context.Context, conn *websocket.Conn) {
	tok := sy.session.Token()
	if tok == "" {
		return
	}
	msg := wire.ClientMessage{Type: wire.ClientMessageAuthToken, Token: tok}
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		sy.logger.Warn("clientsync: failed to send auth refresh frame", "error", err)
	}
}
