package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/reflexive-dev/reflexive/internal/config"
)

func newTestEcho(cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.Use(AuthMiddleware(cfg))
	e.GET("/api/sandboxes", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return e
}

func TestAuthMiddleware_NoKeyConfigured(t *testing.T) {
	e := newTestEcho(&config.Config{})
	req := httptest.NewRequest(http.MethodGet, "/api/sandboxes", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with no key configured, got %d", rec.Code)
	}
}

func TestAuthMiddleware_MissingKey(t *testing.T) {
	e := newTestEcho(&config.Config{APIKey: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/api/sandboxes", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with missing key, got %d", rec.Code)
	}
}

func TestAuthMiddleware_ValidBearerToken(t *testing.T) {
	e := newTestEcho(&config.Config{APIKey: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/api/sandboxes", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with valid bearer token, got %d", rec.Code)
	}
}

func TestAuthMiddleware_ValidAdditionalKey(t *testing.T) {
	e := newTestEcho(&config.Config{APIKey: "primary", AdditionalKeys: []string{"secondary"}})
	req := httptest.NewRequest(http.MethodGet, "/api/sandboxes", nil)
	req.Header.Set("X-API-Key", "secondary")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with valid additional key, got %d", rec.Code)
	}
}

func TestAuthMiddleware_InvalidKey(t *testing.T) {
	e := newTestEcho(&config.Config{APIKey: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/api/sandboxes", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with invalid key, got %d", rec.Code)
	}
}

func TestAuthMiddleware_PublicPathBypassesAuth(t *testing.T) {
	e := newTestEcho(&config.Config{APIKey: "secret", PublicPaths: []string{"/health"}})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 on public path with no key, got %d", rec.Code)
	}
}

func TestRateLimiter_RejectsAfterLimit(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		allowed, _, _ := rl.Allow("caller-1", now)
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	allowed, remaining, resetAt := rl.Allow("caller-1", now)
	if allowed {
		t.Fatal("4th request within the window should be rejected")
	}
	if remaining != 0 {
		t.Errorf("expected remaining 0 on rejection, got %d", remaining)
	}
	if resetAt.Before(now) {
		t.Errorf("expected resetAt in the future, got %v", resetAt)
	}
}

func TestRateLimiter_ResetsAfterWindow(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	now := time.Now()

	allowed, _, _ := rl.Allow("caller-1", now)
	if !allowed {
		t.Fatal("first request should be allowed")
	}
	allowed, _, _ = rl.Allow("caller-1", now)
	if allowed {
		t.Fatal("second request in the same window should be rejected")
	}

	later := now.Add(2 * time.Minute)
	allowed, _, _ = rl.Allow("caller-1", later)
	if !allowed {
		t.Fatal("request in a new window should be allowed")
	}
}

func TestRateLimitMiddleware_SetsHeadersAndRejects(t *testing.T) {
	e := echo.New()
	rl := NewRateLimiter(1, time.Minute)
	e.Use(RateLimitMiddleware(rl))
	e.GET("/api/sandboxes", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req1 := httptest.NewRequest(http.MethodGet, "/api/sandboxes", nil)
	rec1 := httptest.NewRecorder()
	e.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request should succeed, got %d", rec1.Code)
	}
	if rec1.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected remaining 0 after consuming the only slot, got %q", rec1.Header().Get("X-RateLimit-Remaining"))
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/sandboxes", nil)
	rec2 := httptest.NewRecorder()
	e.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request should be rate limited, got %d", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}
}
