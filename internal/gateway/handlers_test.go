package gateway_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/basket/activity-sync/internal/apperr"
	"github.com/basket/activity-sync/internal/broker"
	"github.com/basket/activity-sync/internal/gateway"
	"github.com/basket/activity-sync/internal/wire"
)

func TestRecordAudit_ClassifiesDecision(t *testing.T) {
	var got struct {
		decision, org, taskID, actingUser, eventType, reason string
		calls                                                int
	}
	srv := gateway.New(gateway.Config{
		Logger: slog.Default(),
		AuditRecord: func(decision, org, taskID, actingUser, eventType, reason string) {
			got.decision, got.org, got.taskID, got.actingUser, got.eventType, got.reason =
				decision, org, taskID, actingUser, eventType, reason
			got.calls++
		},
	})

	cases := []struct {
		name string
		err  error
		want string
	}{
		{"accepted", nil, "accepted"},
		{"conflict", apperr.Conflict("version mismatch"), "conflict"},
		{"forbidden", apperr.Forbidden("not your task"), "forbidden"},
		{"not found", apperr.NotFound("no such task"), "not_found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gateway.TestRecordAudit(srv, "task.updated", "org_1", "task_1", "user_1", tc.err)
			if got.decision != tc.want {
				t.Fatalf("decision = %q, want %q", got.decision, tc.want)
			}
			if got.org != "org_1" || got.taskID != "task_1" || got.actingUser != "user_1" {
				t.Fatalf("unexpected audit fields: %+v", got)
			}
		})
	}
}

func TestPublish_DeliversToLocalBrokerWithoutPool(t *testing.T) {
	b := broker.New(4, 16, slog.Default())
	sub := b.Subscribe("org_1")
	defer sub.Close()

	srv := gateway.New(gateway.Config{
		Logger: slog.Default(),
		Broker: b,
		// Pool is intentionally nil: publish must still reach the local
		// broker even when there is no database pool to NOTIFY through.
	})

	ev := wire.ActivityEvent{Seq: 1, Org: "org_1", EventType: wire.EventTaskCreated}
	gateway.TestPublish(srv, context.Background(), ev)

	got, lag, err := sub.Recv(context.Background())
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if lag != 0 {
		t.Fatalf("unexpected lag: %d", lag)
	}
	if got.Seq != 1 || got.Org != "org_1" {
		t.Fatalf("unexpected event delivered: %+v", got)
	}
}
