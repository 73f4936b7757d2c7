package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/consentd/internal/platform/auth"
	"github.com/ehr/consentd/internal/platform/db"
)

func rateLimited(t *testing.T, mw echo.MiddlewareFunc, tenant, actor string) (int, http.Header) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/grants/incoming", nil)
	ctx := db.WithTenant(req.Context(), tenant)
	if actor != "" {
		ctx = auth.WithActor(ctx, actor, "")
	}
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req.WithContext(ctx), rec)

	err := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
	if err == nil {
		return rec.Code, rec.Header()
	}
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("unexpected error %v", err)
	}
	return he.Code, rec.Header()
}

func TestRateLimit_PerActor(t *testing.T) {
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if code, h := rateLimited(t, mw, "acme", "alice"); code != http.StatusOK || h.Get("X-RateLimit-Limit") == "" {
			t.Fatalf("request %d = %d", i, code)
		}
	}
	code, h := rateLimited(t, mw, "acme", "alice")
	if code != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", code)
	}
	if h.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	if code, _ := rateLimited(t, mw, "acme", "drbob"); code != http.StatusOK {
		t.Errorf("other actor throttled: %d", code)
	}
	if code, _ := rateLimited(t, mw, "globex", "alice"); code != http.StatusOK {
		t.Errorf("same actor in another tenant throttled: %d", code)
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	mw := RateLimit(RateLimitConfig{})
	for i := 0; i < 5; i++ {
		if code, _ := rateLimited(t, mw, "acme", "alice"); code != http.StatusOK {
			t.Fatalf("disabled limiter returned %d", code)
		}
	}
}

func TestRateKey_FallsBackToAddress(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	c := echo.New().NewContext(req.WithContext(db.WithTenant(req.Context(), "acme")), httptest.NewRecorder())
	key, err := rateKey(c)
	if err != nil || key != "acme@10.0.0.7" {
		t.Errorf("key = %q, err %v", key, err)
	}
}
