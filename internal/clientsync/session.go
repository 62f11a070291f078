package clientsync

import (
	"sync"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the client's guarded "latest auth token" slot, grounded on the
// original's ClerkSessionStore: a single writer replaces the token (e.g. on
// refresh or re-login), and readers clone the current value rather than
// locking for the lifetime of a use. A change is broadcast by closing the
// previous watch channel, so callers blocked in Watch wake exactly once per
// change.
type Session struct {
	mu     sync.RWMutex
	token  string
	userID string
	orgID  string
	watch  chan struct{}
}

// NewSession constructs a Session, optionally seeded with an initial token.
func NewSession(token string) *Session {
	s := &Session{watch: make(chan struct{})}
	if token != "" {
		s.Set(token)
	}
	return s
}

// Set installs a new token as the active session, decoding (without
// signature verification — the client already trusts its own token) the
// user/org claims needed to key the local cursor and mirror tables. Parsing
// failures clear the session rather than leaving a stale identity in place.
func (s *Session) Set(token string) {
	userID, orgID, _ := parseClaims(token)

	s.mu.Lock()
	s.token, s.userID, s.orgID = token, userID, orgID
	closed := s.watch
	s.watch = make(chan struct{})
	s.mu.Unlock()

	close(closed)
}

// Token returns the active bearer token, or "" if no session is active.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Active reports whether a usable session is currently installed.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != "" && s.userID != "" && s.orgID != ""
}

// UserID returns the active session's resolved user ID.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// OrgID returns the active session's resolved organization ID.
func (s *Session) OrgID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orgID
}

// Watch returns a channel that closes the next time the session changes.
func (s *Session) Watch() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watch
}

func parseClaims(token string) (userID, orgID string, err error) {
	if token == "" {
		return "", "", nil
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", nil
	}
	userID, _ = claims["sub"].(string)
	orgID, _ = claims["org_id"].(string)
	if orgID == "" {
		orgID, _ = claims["organization_id"].(string)
	}
	return userID, orgID, nil
}
