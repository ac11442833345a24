package ratelimit

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"halo-indexer/halo/storage"
)

func TestAllow_FourthRequestDenied(t *testing.T) {
	st, err := storage.Open(storage.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	now := time.UnixMilli(5_000_000)
	l := &Limiter{Store: st, Now: func() time.Time { return now }}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, "posts:10.0.0.1", time.Minute, 3)
		if err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
		if !ok {
			t.Fatalf("request #%d denied", i)
		}
	}
	ok, err := l.Allow(ctx, "posts:10.0.0.1", time.Minute, 3)
	if err != nil {
		t.Fatalf("Allow #4: %v", err)
	}
	if ok {
		t.Fatalf("request #4 allowed")
	}

	ok, _ = l.Allow(ctx, "posts:10.0.0.2", time.Minute, 3)
	if !ok {
		t.Fatalf("other client denied")
	}

	now = now.Add(time.Minute)
	ok, _ = l.Allow(ctx, "posts:10.0.0.1", time.Minute, 3)
	if !ok {
		t.Fatalf("request after window reset denied")
	}
}

type failingStore struct{}

func (failingStore) IncrementWindow(context.Context, string, time.Duration, time.Time) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestAllow_FailsClosed(t *testing.T) {
	l := New(failingStore{})
	ok, err := l.Allow(context.Background(), "k", time.Minute, 3)
	if err == nil || ok {
		t.Fatalf("expected error and deny, got ok=%v err=%v", ok, err)
	}
}

type countingStore struct {
	mu   sync.Mutex
	hits map[string]int64
}

func (c *countingStore) IncrementWindow(_ context.Context, key string, _ time.Duration, _ time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits[key]++
	return c.hits[key], nil
}

func TestAllow_ConcurrentNeverExceedsMax(t *testing.T) {
	l := New(&countingStore{hits: make(map[string]int64)})
	const max = 5

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Allow(context.Background(), "k", time.Minute, max)
			if err != nil {
				t.Errorf("Allow: %v", err)
				return
			}
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != max {
		t.Fatalf("allowed %d, want %d", allowed, max)
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/api/posts", nil)
	r.RemoteAddr = "192.0.2.7:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := ClientKey(r, false); got != "192.0.2.7" {
		t.Fatalf("ClientKey untrusted = %q", got)
	}
	if got := ClientKey(r, true); got != "203.0.113.9" {
		t.Fatalf("ClientKey trusted = %q", got)
	}
}
