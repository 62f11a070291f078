package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestVerify_HMACFallback(t *testing.T) {
	v := NewVerifier("https://clerk.example.com", "machine-secret", time.Minute)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "user_123",
		"org_id": "org_abc",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("machine-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	id, err := v.Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "user_123" || id.OrgID != "org_abc" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestVerify_HMACWrongSecretRejected(t *testing.T) {
	v := NewVerifier("https://clerk.example.com", "machine-secret", time.Minute)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "user_123",
		"org_id": "org_abc",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := v.Verify(context.Background(), signed); err == nil {
		t.Fatal("expected verification failure with mismatched secret")
	}
}

func TestVerify_MissingOrgIDRejected(t *testing.T) {
	v := NewVerifier("https://clerk.example.com", "machine-secret", time.Minute)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user_123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, _ := token.SignedString([]byte("machine-secret"))

	if _, err := v.Verify(context.Background(), signed); err == nil {
		t.Fatal("expected error for token missing org_id")
	}
}

func TestVerify_RS256AgainstJWKS(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := jwksDoc{Keys: []jwk{{
			Kty: "RSA",
			Kid: "test-kid",
			N:   base64.RawURLEncoding.EncodeToString(priv.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.PublicKey.E)).Bytes()),
		}}}
		_ = json.NewEncoder(w).Encode(doc)
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, "", time.Minute)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":    "user_456",
		"org_id": "org_xyz",
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	token.Header["kid"] = "test-kid"
	signed, err := token.SignedString(priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	id, err := v.Verify(context.Background(), signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "user_456" || id.OrgID != "org_xyz" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestCompareSecret(t *testing.T) {
	v := NewVerifier("https://clerk.example.com", "shh", time.Minute)
	if !v.CompareSecret("shh") {
		t.Fatal("expected secret match")
	}
	if v.CompareSecret("nope") {
		t.Fatal("expected secret mismatch")
	}
}
