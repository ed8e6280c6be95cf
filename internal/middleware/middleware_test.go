package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/seatrush/flash-sale-ticketing/internal/config"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	raw, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func runIdentity(t *testing.T, authHeader string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var gotUser string
	h := Identity(testSecret)(func(c echo.Context) error {
		gotUser = UserID(c)
		return c.NoContent(http.StatusOK)
	})
	if err := h(c); err != nil {
		t.Fatalf("handler: %v", err)
	}
	return rec, gotUser
}

func TestIdentityAcceptsValidToken(t *testing.T) {
	rec, user := runIdentity(t, "Bearer "+signToken(t, testSecret, "u42"))
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: got %d, want 200", rec.Code)
	}
	if user != "u42" {
		t.Errorf("user id: got %q, want u42", user)
	}
}

func TestIdentityRejectsBadTokens(t *testing.T) {
	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong secret", "Bearer " + signToken(t, "other-secret", "u1")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := runIdentity(t, tc.header)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("got %d, want 401", rec.Code)
			}
		})
	}
}

func TestUserIDFallsBackToAnon(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	if got := UserID(c); got != "anon" {
		t.Errorf("UserID: got %q, want anon", got)
	}
}

func limiterFixture(t *testing.T, cfg config.RateLimitConfig) (echo.MiddlewareFunc, *echo.Echo) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewTokenBucket(cfg, rdb), echo.New()
}

func hitLimiter(e *echo.Echo, mw echo.MiddlewareFunc, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hold", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if userID != "" {
		c.Set("user_id", userID)
	}
	h := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	_ = h(c)
	return rec
}

func TestTokenBucketExhaustsAndRejects(t *testing.T) {
	mw, e := limiterFixture(t, config.RateLimitConfig{
		Enabled:        true,
		Capacity:       3,
		RefillTokens:   1,
		RefillInterval: time.Minute,
		TTL:            10 * time.Minute,
		KeyStrategy:    "user_route",
		Prefix:         "rl",
	})

	for i := 0; i < 3; i++ {
		rec := hitLimiter(e, mw, "u1")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i+1, rec.Code)
		}
	}
	rec := hitLimiter(e, mw, "u1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("over budget: got %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After header")
	}

	// other users have their own bucket
	if rec := hitLimiter(e, mw, "u2"); rec.Code != http.StatusOK {
		t.Errorf("other user: got %d, want 200", rec.Code)
	}
}

func TestTokenBucketDisabledPassesThrough(t *testing.T) {
	mw := NewTokenBucket(config.RateLimitConfig{Enabled: false}, nil)
	e := echo.New()
	for i := 0; i < 10; i++ {
		if rec := hitLimiter(e, mw, "u1"); rec.Code != http.StatusOK {
			t.Fatalf("disabled limiter blocked request: %d", rec.Code)
		}
	}
}

func TestTokenBucketFailsOpenOnRedisError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	mw := NewTokenBucket(config.RateLimitConfig{
		Enabled:        true,
		Capacity:       1,
		RefillTokens:   1,
		RefillInterval: time.Minute,
		TTL:            time.Minute,
		Prefix:         "rl",
	}, rdb)
	mr.Close() // simulate Redis going away mid-sale

	e := echo.New()
	for i := 0; i < 3; i++ {
		if rec := hitLimiter(e, mw, "u1"); rec.Code != http.StatusOK {
			t.Fatalf("limiter did not fail open: %d", rec.Code)
		}
	}
}
