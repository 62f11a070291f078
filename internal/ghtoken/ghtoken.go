// Package ghtoken exchanges and caches per-organization GitHub OAuth tokens.
//
// Grounded on original_source/crates/services/src/services/token.rs's
// refresh-on-demand contract (fetch the stored token row, refresh it only
// when it is near expiry, persist the refreshed token back) and on
// golang.org/x/oauth2's TokenSource abstraction, the idiomatic Go analogue
// appearing across the other_examples manifests ecosystem for OAuth token
// refresh.
package ghtoken

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/basket/activity-sync/internal/apperr"
)

// Token is the resolved access token returned to a caller.
type Token struct {
	AccessToken string
	ExpiresAt   *time.Time
	Scopes      []string
}

// Store persists one GitHub OAuth token row per organization.
type Store interface {
	Get(ctx context.Context, org string) (StoredToken, error)
	Put(ctx context.Context, org string, tok StoredToken) error
}

// StoredToken is the persisted representation of github_oauth_tokens.
type StoredToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}

// refreshMargin is how far ahead of expiry a token is proactively refreshed,
// mirroring the client token cache's 30s expiry margin (spec.md §5).
const refreshMargin = 30 * time.Second

// Exchanger resolves a live GitHub access token for an organization,
// transparently refreshing an expiring one and persisting the result.
type Exchanger struct {
	store  Store
	oauth  oauth2.Config
}

// NewExchanger constructs an Exchanger. clientID/clientSecret are the
// registered GitHub OAuth app credentials (SERVER_GITHUB_OAUTH_CLIENT_ID/
// SECRET); store is the server's github_oauth_tokens-backed persistence.
func NewExchanger(store Store, clientID, clientSecret string) *Exchanger {
	return &Exchanger{
		store: store,
		oauth: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://github.com/login/oauth/authorize",
				TokenURL: "https://github.com/login/oauth/access_token",
			},
		},
	}
}

// Token returns a live access token for org, refreshing it via GitHub's
// OAuth endpoint if the stored token is at or near expiry.
func (e *Exchanger) Token(ctx context.Context, org string) (Token, error) {
	stored, err := e.store.Get(ctx, org)
	if err != nil {
		return Token{}, apperr.NotLinked("no github token linked for this organization")
	}

	if time.Until(stored.ExpiresAt) > refreshMargin {
		return Token{AccessToken: stored.AccessToken, ExpiresAt: &stored.ExpiresAt, Scopes: stored.Scopes}, nil
	}

	src := e.oauth.TokenSource(ctx, &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		Expiry:       stored.ExpiresAt,
	})
	fresh, err := src.Token()
	if err != nil {
		return Token{}, apperr.Upstream("github token refresh failed", err)
	}

	updated := StoredToken{
		AccessToken:  fresh.AccessToken,
		RefreshToken: fresh.RefreshToken,
		ExpiresAt:    fresh.Expiry,
		Scopes:       stored.Scopes,
	}
	if updated.RefreshToken == "" {
		updated.RefreshToken = stored.RefreshToken
	}
	if err := e.store.Put(ctx, org, updated); err != nil {
		return Token{}, apperr.Internal("persist refreshed github token", err)
	}

	return Token{AccessToken: updated.AccessToken, ExpiresAt: &updated.ExpiresAt, Scopes: updated.Scopes}, nil
}
