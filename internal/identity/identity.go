// Package identity verifies Clerk-issued session JWTs and resolves the
// organization/user identity a request is acting as. It mirrors the
// constant-time API key comparison the gateway used to do, generalized to
// asymmetric JWT verification against a cached JWKS.
package identity

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the resolved caller of an authenticated request.
type Identity struct {
	UserID string
	OrgID  string
	Claims jwt.MapClaims
}

// Verifier validates bearer tokens presented to the gateway. Session tokens
// issued by Clerk are RS256-signed and verified against a JWKS fetched from
// CLERK_API_URL; a single HS256 secret (CLERK_SECRET_KEY) is accepted as a
// fallback for machine-to-machine calls that cannot obtain a session token.
type Verifier struct {
	jwksURL   string
	secretKey string
	client    *http.Client
	ttl       time.Duration

	mu       sync.RWMutex
	keys     map[string]any
	fetched  time.Time
	fetching chan struct{}
}

// NewVerifier constructs a Verifier. clerkAPIURL is the base Clerk frontend
// API URL (e.g. https://clerk.example.com); its JWKS lives at
// <clerkAPIURL>/.well-known/jwks.json. ttl controls how long fetched keys are
// cached before a refetch is attempted.
func NewVerifier(clerkAPIURL, clerkSecretKey string, ttl time.Duration) *Verifier {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	jwksURL := strings.TrimSuffix(clerkAPIURL, "/") + "/.well-known/jwks.json"
	return &Verifier{
		jwksURL:   jwksURL,
		secretKey: clerkSecretKey,
		client:    &http.Client{Timeout: 5 * time.Second},
		ttl:       ttl,
		keys:      make(map[string]any),
	}
}

// Verify parses and validates tokenString, returning the resolved Identity.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Identity{}, fmt.Errorf("identity: empty token")
	}

	token, err := jwt.Parse(tokenString, func(tok *jwt.Token) (any, error) {
		switch tok.Method.(type) {
		case *jwt.SigningMethodRSA:
			kid, _ := tok.Header["kid"].(string)
			key, err := v.rsaKey(ctx, kid)
			if err != nil {
				return nil, err
			}
			return key, nil
		case *jwt.SigningMethodHMAC:
			if v.secretKey == "" {
				return nil, fmt.Errorf("identity: HMAC tokens not accepted, no secret configured")
			}
			return []byte(v.secretKey), nil
		default:
			return nil, fmt.Errorf("identity: unsupported signing method %v", tok.Header["alg"])
		}
	}, jwt.WithValidMethods([]string{"RS256", "HS256"}))
	if err != nil {
		return Identity{}, fmt.Errorf("identity: verify token: %w", err)
	}
	if !token.Valid {
		return Identity{}, fmt.Errorf("identity: invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("identity: unexpected claims type")
	}

	userID, _ := claims["sub"].(string)
	if userID == "" {
		return Identity{}, fmt.Errorf("identity: token missing sub claim")
	}
	orgID, _ := claims["org_id"].(string)
	if orgID == "" {
		// Machine tokens issued for a single-tenant integration may carry the
		// organization under a custom claim instead of Clerk's org_id.
		orgID, _ = claims["organization_id"].(string)
	}
	if orgID == "" {
		return Identity{}, fmt.Errorf("identity: token missing org_id claim")
	}

	return Identity{UserID: userID, OrgID: orgID, Claims: claims}, nil
}

// CompareSecret performs a constant-time comparison against the configured
// machine secret, for endpoints that accept a raw shared secret instead of a
// JWT (internal health/maintenance callers).
func (v *Verifier) CompareSecret(candidate string) bool {
	if v.secretKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(v.secretKey)) == 1
}
