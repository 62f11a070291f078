package gateway

import (
	"context"
	"net/http"
	"strings"

	"github.com/basket/activity-sync/internal/identity"
)

// authContextKey is the context key type for the authenticated identity.
type authContextKey struct{}

// AuthMiddleware validates Clerk session (or machine) JWTs from the
// Authorization header via an identity.Verifier.
type AuthMiddleware struct {
	verifier *identity.Verifier
	enabled  bool
}

// NewAuthMiddleware creates an auth middleware backed by verifier. When
// enabled is false it passes every request through unauthenticated, which is
// only appropriate for local development.
func NewAuthMiddleware(verifier *identity.Verifier, enabled bool) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, enabled: enabled}
}

// Wrap wraps an http.Handler with bearer-token authentication checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health check and metrics endpoints.
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		token := ExtractBearerToken(r)
		if token == "" {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}

		id, err := am.verifier.Verify(r.Context(), token)
		if err != nil {
			http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractBearerToken extracts a bearer token from request headers or query
// params. It checks, in order: Authorization: Bearer <token>, X-Api-Token
// header, token query param (useful for the WebSocket upgrade, where custom
// headers are awkward for some browser clients).
func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if tok := r.Header.Get("X-Api-Token"); tok != "" {
		return tok
	}
	return r.URL.Query().Get("token")
}

// IdentityFromContext retrieves the authenticated identity from context.
func IdentityFromContext(ctx context.Context) (identity.Identity, bool) {
	id, ok := ctx.Value(authContextKey{}).(identity.Identity)
	return id, ok
}
