package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/activity-sync/internal/gateway"
	"github.com/basket/activity-sync/internal/identity"
	"github.com/golang-jwt/jwt/v5"
)

func signHS256(t *testing.T, secret, sub, org string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    sub,
		"org_id": org,
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	verifier := identity.NewVerifier("https://clerk.example.com", "test-secret", time.Minute)
	am := gateway.NewAuthMiddleware(verifier, true)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := am.Wrap(inner)

	req := httptest.NewRequest("GET", "/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, "test-secret", "user_1", "org_1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthMiddleware_InvalidToken(t *testing.T) {
	verifier := identity.NewVerifier("https://clerk.example.com", "test-secret", time.Minute)
	am := gateway.NewAuthMiddleware(verifier, true)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for invalid token")
	})
	handler := am.Wrap(inner)

	req := httptest.NewRequest("GET", "/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, "wrong-secret", "user_1", "org_1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	verifier := identity.NewVerifier("https://clerk.example.com", "test-secret", time.Minute)
	am := gateway.NewAuthMiddleware(verifier, true)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called for missing token")
	})
	handler := am.Wrap(inner)

	req := httptest.NewRequest("GET", "/v1/tasks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	verifier := identity.NewVerifier("https://clerk.example.com", "test-secret", time.Minute)
	am := gateway.NewAuthMiddleware(verifier, false)

	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	handler := am.Wrap(inner)

	req := httptest.NewRequest("GET", "/v1/tasks", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !called {
		t.Fatal("inner handler should have been called when auth is disabled")
	}
}

func TestAuthMiddleware_SkipsHealth(t *testing.T) {
	verifier := identity.NewVerifier("https://clerk.example.com", "test-secret", time.Minute)
	am := gateway.NewAuthMiddleware(verifier, true)

	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	handler := am.Wrap(inner)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !called {
		t.Fatal("inner handler should have been called for /health")
	}
}

func TestAuthMiddleware_SkipsMetrics(t *testing.T) {
	verifier := identity.NewVerifier("https://clerk.example.com", "test-secret", time.Minute)
	am := gateway.NewAuthMiddleware(verifier, true)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := am.Wrap(inner)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for /metrics, got %d", rec.Code)
	}
}

func TestAuthMiddleware_XAPITokenHeader(t *testing.T) {
	verifier := identity.NewVerifier("https://clerk.example.com", "test-secret", time.Minute)
	am := gateway.NewAuthMiddleware(verifier, true)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := am.Wrap(inner)

	req := httptest.NewRequest("GET", "/v1/tasks", nil)
	req.Header.Set("X-Api-Token", signHS256(t, "test-secret", "user_1", "org_1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthMiddleware_QueryParam(t *testing.T) {
	verifier := identity.NewVerifier("https://clerk.example.com", "test-secret", time.Minute)
	am := gateway.NewAuthMiddleware(verifier, true)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := am.Wrap(inner)

	req := httptest.NewRequest("GET", "/v1/tasks?token="+signHS256(t, "test-secret", "user_1", "org_1"), nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthMiddleware_ContextInjection(t *testing.T) {
	verifier := identity.NewVerifier("https://clerk.example.com", "test-secret", time.Minute)
	am := gateway.NewAuthMiddleware(verifier, true)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := gateway.IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("expected identity in context")
		}
		if id.UserID != "user_1" || id.OrgID != "org_1" {
			t.Fatalf("unexpected identity: %+v", id)
		}
		w.WriteHeader(http.StatusOK)
	})
	handler := am.Wrap(inner)

	req := httptest.NewRequest("GET", "/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+signHS256(t, "test-secret", "user_1", "org_1"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
