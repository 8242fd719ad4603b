package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/reflexive-dev/reflexive/internal/config"
	"github.com/reflexive-dev/reflexive/internal/metrics"
)

// AuthMiddleware validates the presented bearer credential against
// cfg.APIKey and cfg.AdditionalKeys. Requests to a public path (exact match
// or "<prefix>/*" wildcard, per spec.md §8 invariant 7) bypass auth
// entirely. When cfg.APIKey and cfg.AdditionalKeys are both empty, auth is
// disabled altogether (local dev mode), matching the teacher's
// APIKeyMiddleware shape for the no-key case.
func AuthMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	keys := allKeys(cfg)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if config.IsPublicPath(c.Request().URL.Path, cfg.PublicPaths) {
				return next(c)
			}
			if len(keys) == 0 {
				return next(c)
			}

			provided := bearerToken(c.Request())
			if provided == "" {
				provided = c.Request().Header.Get("X-API-Key")
			}
			if provided == "" {
				provided = c.QueryParam("api_key")
			}

			if provided == "" {
				metrics.AuthAttemptsTotal.WithLabelValues("missing").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing API key"})
			}

			if !matchesAny(provided, keys) {
				metrics.AuthAttemptsTotal.WithLabelValues("invalid").Inc()
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
			}

			metrics.AuthAttemptsTotal.WithLabelValues("ok").Inc()
			c.Set("identity", identityFromKey(provided))
			return next(c)
		}
	}
}

func allKeys(cfg *config.Config) []string {
	var keys []string
	if cfg.APIKey != "" {
		keys = append(keys, cfg.APIKey)
	}
	keys = append(keys, cfg.AdditionalKeys...)
	return keys
}

func matchesAny(provided string, keys []string) bool {
	for _, k := range keys {
		if subtle.ConstantTimeCompare([]byte(provided), []byte(k)) == 1 {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// identityFromKey builds the request identity tag from at most the first 8
// characters of the presented key; a key of 8 characters or fewer is kept
// whole. The tag is used for rate-limit keying and is not logged.
func identityFromKey(key string) string {
	if len(key) <= 8 {
		return "key:" + key
	}
	return "key:" + key[:8]
}

// RequestIdentity returns the caller identity RateLimitMiddleware and
// handlers should key on: the authenticated key's short tag if auth
// succeeded, else X-Forwarded-For, else the remote address.
func RequestIdentity(c echo.Context) string {
	if id, ok := c.Get("identity").(string); ok && id != "" {
		return id
	}
	if fwd := c.Request().Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return c.Request().RemoteAddr
}

// RateLimiter implements a fixed-window request limiter keyed by caller
// identity, with headers matching spec.md §8 invariant 8/scenario (f):
// X-RateLimit-{Limit,Remaining,Reset} on every response, Retry-After on a
// 429.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string]*windowCounter
}

type windowCounter struct {
	count      int
	windowEnds time.Time
}

// NewRateLimiter builds a limiter allowing limit requests per window per
// identity. A non-positive limit disables limiting (Allow always succeeds).
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window, counters: map[string]*windowCounter{}}
}

// Allow records one request for identity and reports whether it is within
// limit, along with the remaining count and the time the window resets.
func (rl *RateLimiter) Allow(identity string, now time.Time) (allowed bool, remaining int, resetAt time.Time) {
	if rl.limit <= 0 {
		return true, 0, now
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.counters[identity]
	if !ok || now.After(c.windowEnds) {
		c = &windowCounter{count: 0, windowEnds: now.Add(rl.window)}
		rl.counters[identity] = c
	}

	c.count++
	if c.count > rl.limit {
		return false, 0, c.windowEnds
	}
	return true, rl.limit - c.count, c.windowEnds
}

// RateLimitMiddleware rejects the (N+1)th request within the window for a
// given identity with 429, per spec.md §8 invariant 8. Public paths are not
// exempted here; callers mount this after AuthMiddleware so the identity is
// already resolved for authenticated callers.
func RateLimitMiddleware(rl *RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			identity := RequestIdentity(c)
			now := time.Now()
			allowed, remaining, resetAt := rl.Allow(identity, now)

			c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
			c.Response().Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			c.Response().Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if !allowed {
				retryAfter := int(resetAt.Sub(now).Seconds())
				if retryAfter < 0 {
					retryAfter = 0
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				metrics.RateLimitRejectionsTotal.WithLabelValues(c.Path()).Inc()
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			}

			return next(c)
		}
	}
}
