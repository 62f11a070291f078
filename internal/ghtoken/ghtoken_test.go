package ghtoken_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/activity-sync/internal/apperr"
	"github.com/basket/activity-sync/internal/ghtoken"
)

type fakeStore struct {
	tokens map[string]ghtoken.StoredToken
	puts   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{tokens: make(map[string]ghtoken.StoredToken)}
}

func (f *fakeStore) Get(_ context.Context, org string) (ghtoken.StoredToken, error) {
	tok, ok := f.tokens[org]
	if !ok {
		return ghtoken.StoredToken{}, apperr.NotFound("no token")
	}
	return tok, nil
}

func (f *fakeStore) Put(_ context.Context, org string, tok ghtoken.StoredToken) error {
	f.puts++
	f.tokens[org] = tok
	return nil
}

func TestToken_NotLinkedWhenNoRowExists(t *testing.T) {
	store := newFakeStore()
	ex := ghtoken.NewExchanger(store, "client-id", "client-secret")

	_, err := ex.Token(context.Background(), "org_1")
	if !apperr.Is(err, apperr.CodeNotLinked) {
		t.Fatalf("expected not_linked error, got %v", err)
	}
}

func TestToken_ReturnsStoredTokenWhenFresh(t *testing.T) {
	store := newFakeStore()
	store.tokens["org_1"] = ghtoken.StoredToken{
		AccessToken: "gho_live",
		ExpiresAt:   time.Now().Add(time.Hour),
		Scopes:      []string{"repo"},
	}
	ex := ghtoken.NewExchanger(store, "client-id", "client-secret")

	tok, err := ex.Token(context.Background(), "org_1")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok.AccessToken != "gho_live" {
		t.Fatalf("expected cached token returned without refresh, got %s", tok.AccessToken)
	}
	if store.puts != 0 {
		t.Fatalf("expected no refresh/put for a fresh token, got %d puts", store.puts)
	}
}
