package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/consentd/internal/platform/auth"
)

// windowLimiter counts events per key over a sliding window.
type windowLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string][]time.Time
}

func newWindowLimiter(window time.Duration, max int) *windowLimiter {
	return &windowLimiter{
		window:  window,
		max:     max,
		entries: make(map[string][]time.Time),
	}
}

// allow records an event for key at now unless key is at its limit.
func (l *windowLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := prune(l.entries[key], now.Add(-l.window))
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func (l *windowLimiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	for key, ts := range l.entries {
		if kept := prune(ts, cutoff); len(kept) > 0 {
			l.entries[key] = kept
		} else {
			delete(l.entries, key)
		}
	}
}

func prune(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

const (
	BreakGlassMaxPerHour    = 10
	breakGlassCleanupPeriod = 5 * time.Minute
)

// BreakGlassLimit caps emergency access attempts per actor per hour. Mount
// it on the emergency route only. The cleanup goroutine stops with ctx.
func BreakGlassLimit(ctx context.Context, logger zerolog.Logger, maxPerHour int) echo.MiddlewareFunc {
	if maxPerHour <= 0 {
		maxPerHour = BreakGlassMaxPerHour
	}
	l := newWindowLimiter(time.Hour, maxPerHour)
	go func() {
		ticker := time.NewTicker(breakGlassCleanupPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.cleanup(now)
			}
		}
	}()
	return breakGlassLimit(logger, l, time.Now)
}

func breakGlassLimit(logger zerolog.Logger, l *windowLimiter, now func() time.Time) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := auth.ActorFromContext(c.Request().Context())
			if actor == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "break-glass requires authentication")
			}
			if !l.allow(actor, now()) {
				logger.Warn().
					Str("type", "break_glass").
					Str("actor", actor).
					Str("path", c.Request().URL.Path).
					Str("remote_ip", c.RealIP()).
					Msg("break-glass rate limit exceeded")
				return echo.NewHTTPError(http.StatusTooManyRequests, "break-glass rate limit exceeded")
			}
			return next(c)
		}
	}
}
