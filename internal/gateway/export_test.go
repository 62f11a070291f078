package gateway

import (
	"context"

	"github.com/basket/activity-sync/internal/identity"
	"github.com/basket/activity-sync/internal/wire"
)

// TestRecordAudit exposes Server.recordAudit to gateway_test for
// decision-classification coverage without standing up a full mutation.
func TestRecordAudit(s *Server, eventType, org, taskID, actingUser string, err error) {
	s.recordAudit(eventType, org, taskID, actingUser, err)
}

// TestPublish exposes Server.publish to gateway_test.
func TestPublish(s *Server, ctx context.Context, ev wire.ActivityEvent) {
	s.publish(ctx, ev)
}

// TestContextWithIdentity injects id under authContextKey, letting
// gateway_test drive handlers end-to-end without standing up a real Clerk
// verifier (AuthMiddleware is bypassed with AuthEnabled: false, and the
// caller sets this context directly on the request instead).
func TestContextWithIdentity(ctx context.Context, id identity.Identity) context.Context {
	return context.WithValue(ctx, authContextKey{}, id)
}
