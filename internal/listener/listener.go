// Package listener bridges Postgres LISTEN/NOTIFY to the in-process broker,
// the crash-recovery path for instances that did not originate a mutation
// (multi-instance deployment, or a broker restart that lost in-flight
// events). Grounded on other_examples' PgEventBus (dedicated long-lived
// pgx.Conn for LISTEN, pool for NOTIFY via pg_notify) and on its
// listenWithRetry exponential backoff / org-id payload extraction idiom.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basket/activity-sync/internal/broker"
	"github.com/basket/activity-sync/internal/otel"
	"github.com/basket/activity-sync/internal/wire"
)

// notifyPayload is the small JSON body carried on NOTIFY — just enough to
// look the full row back up, since Postgres caps NOTIFY payloads at 8000
// bytes and activity payloads can exceed that.
type notifyPayload struct {
	OrganizationID string `json:"organization_id"`
	Seq            int64  `json:"seq"`
}

// Fetcher resolves one activity row by (org, seq). Implemented by
// internal/activity.Repository; kept as a narrow interface here to avoid a
// package cycle.
type Fetcher interface {
	FetchBySeq(ctx context.Context, org string, seq int64) (wire.ActivityEvent, error)
}

// Listener holds a dedicated Postgres connection for LISTEN and republishes
// notified rows onto the local broker.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
	fetcher Fetcher
	broker  *broker.Broker
	logger  *slog.Logger

	conn    *pgx.Conn
	metrics *otel.Metrics
}

// SetMetrics attaches the §4.11 OTel instruments so every LISTEN reconnect
// is exported as listener_reconnects. Optional: tests that never call it
// leave metrics recording a no-op.
func (l *Listener) SetMetrics(m *otel.Metrics) {
	l.metrics = m
}

// New constructs a Listener. channel is the Postgres NOTIFY channel name
// (SERVER_ACTIVITY_CHANNEL, default "activity").
func New(pool *pgxpool.Pool, channel string, fetcher Fetcher, b *broker.Broker, logger *slog.Logger) *Listener {
	if channel == "" {
		channel = "activity"
	}
	return &Listener{pool: pool, channel: channel, fetcher: fetcher, broker: b, logger: logger}
}

// Run acquires a dedicated connection, issues LISTEN with retry, and then
// republishes every notified row to the broker until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.connectWithRetry(ctx); err != nil {
		return err
	}
	defer l.conn.Close(context.Background())

	for {
		notification, err := l.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warn("listener: wait for notification failed, reconnecting", "error", err)
			if l.metrics != nil {
				l.metrics.ListenerReconnects.Add(ctx, 1)
			}
			if err := l.connectWithRetry(ctx); err != nil {
				return err
			}
			continue
		}
		l.handleNotification(ctx, notification.Payload)
	}
}

func (l *Listener) handleNotification(ctx context.Context, raw string) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		l.logger.Warn("listener: unparseable notify payload, dropping", "error", err)
		return
	}
	if p.OrganizationID == "" || p.Seq <= 0 {
		l.logger.Warn("listener: notify payload missing org or seq, dropping")
		return
	}

	ev, err := l.fetcher.FetchBySeq(ctx, p.OrganizationID, p.Seq)
	if err != nil {
		// Demoted to debug: durability is covered by the activity table
		// itself — a live subscriber that misses this will Gap/Lag-recover
		// against the same table on its own session.
		l.logger.Debug("listener: fetch notified row failed",
			"org", p.OrganizationID, "seq", p.Seq, "error", err)
		return
	}
	l.broker.Publish(ev)
}

func (l *Listener) connectWithRetry(ctx context.Context) error {
	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		connConfig := l.pool.Config().ConnConfig.Copy()
		conn, err := pgx.ConnectConfig(ctx, connConfig)
		if err == nil {
			stmt := fmt.Sprintf("LISTEN %s", pgx.Identifier{l.channel}.Sanitize())
			if _, err = conn.Exec(ctx, stmt); err == nil {
				l.conn = conn
				return nil
			}
			_ = conn.Close(context.Background())
		}
		lastErr = err
		backoff := time.Duration(1<<attempt) * time.Second
		l.logger.Warn("listener: connect/listen failed, retrying",
			"channel", l.channel, "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("listener: LISTEN %s failed after %d attempts: %w", l.channel, maxAttempts, lastErr)
}

// Publish sends a NOTIFY carrying the org+seq pointer for ev using pool (not
// the dedicated LISTEN connection), so other server instances' listeners can
// republish it to their own in-process broker.
func Publish(ctx context.Context, pool *pgxpool.Pool, channel string, ev wire.ActivityEvent) error {
	if channel == "" {
		channel = "activity"
	}
	payload, err := json.Marshal(notifyPayload{OrganizationID: ev.Org, Seq: ev.Seq})
	if err != nil {
		return fmt.Errorf("listener: marshal notify payload: %w", err)
	}
	_, err = pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload))
	if err != nil {
		return fmt.Errorf("listener: notify %s: %w", channel, err)
	}
	return nil
}
