package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"
)

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDoc struct {
	Keys []jwk `json:"keys"`
}

// rsaKey returns the RSA public key for kid, refreshing the cached JWKS if
// the key is unknown or the cache has expired.
func (v *Verifier) rsaKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, ok := v.keys[kid]
	fresh := time.Since(v.fetched) < v.ttl
	v.mu.RUnlock()
	if ok && fresh {
		return key.(*rsa.PublicKey), nil
	}

	if err := v.refresh(ctx); err != nil {
		// Serve a stale cached key rather than fail outright if we have one.
		if ok {
			return key.(*rsa.PublicKey), nil
		}
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	key, ok = v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("identity: unknown JWKS kid %q", kid)
	}
	return key.(*rsa.PublicKey), nil
}

// RefreshJWKS forces an unconditional JWKS refetch, bypassing the TTL check
// — used by a periodic maintenance scheduler to keep the cache warm ahead of
// expiry rather than refreshing lazily on a verification miss.
func (v *Verifier) RefreshJWKS(ctx context.Context) error {
	return v.refresh(ctx)
}

// refresh fetches the JWKS document, ensuring only one fetch is in flight at
// a time; concurrent callers wait on the in-progress fetch.
func (v *Verifier) refresh(ctx context.Context) error {
	v.mu.Lock()
	if v.fetching != nil {
		ch := v.fetching
		v.mu.Unlock()
		<-ch
		return nil
	}
	ch := make(chan struct{})
	v.fetching = ch
	v.mu.Unlock()

	err := v.doRefresh(ctx)

	v.mu.Lock()
	v.fetching = nil
	v.mu.Unlock()
	close(ch)
	return err
}

func (v *Verifier) doRefresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("identity: build jwks request: %w", err)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("identity: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity: jwks fetch status %d", resp.StatusCode)
	}

	var doc jwksDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("identity: decode jwks: %w", err)
	}

	keys := make(map[string]any, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || k.Kid == "" {
			continue
		}
		pub, err := parseRSAPublicKey(k.N, k.E)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	v.mu.Lock()
	v.keys = keys
	v.fetched = time.Now()
	v.mu.Unlock()
	return nil
}

func parseRSAPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
