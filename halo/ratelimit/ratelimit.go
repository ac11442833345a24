package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Store keeps shared per-key hit counters with a TTL.
type Store interface {
	IncrementWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error)
}

type Limiter struct {
	Store Store
	Now   func() time.Time
}

func New(store Store) *Limiter {
	return &Limiter{Store: store, Now: time.Now}
}

// Allow counts one request for clientKey in a fixed window and reports
// whether it is within max. Store failures are returned so callers can
// fail closed.
func (l *Limiter) Allow(ctx context.Context, clientKey string, window time.Duration, max int) (bool, error) {
	if max <= 0 {
		return true, nil
	}
	if l == nil || l.Store == nil {
		return false, fmt.Errorf("rate limit store unavailable")
	}
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	hits, err := l.Store.IncrementWindow(ctx, clientKey, window, now())
	if err != nil {
		return false, fmt.Errorf("rate limit %s: %w", clientKey, err)
	}
	return hits <= int64(max), nil
}

// ClientKey identifies the caller by IP. With trustProxy the first
// X-Forwarded-For hop is used.
func ClientKey(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
