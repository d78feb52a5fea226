package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time { return c.current }

func (c *fakeClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestSlidingWindowLimiter_FourthCallDenied(t *testing.T) {
	clock := newFakeClock()
	limiter := NewSlidingWindowLimiter(3, 60*time.Second)
	limiter.now = clock.now

	want := []bool{true, true, true, false}
	var last Decision
	for i, expected := range want {
		decision, err := limiter.Allow(context.Background(), 42)
		if err != nil {
			t.Fatalf("allow %d: unexpected error: %v", i, err)
		}
		if decision.Allowed != expected {
			t.Fatalf("call %d: expected allowed=%v, got %v", i, expected, decision.Allowed)
		}
		last = decision
		clock.advance(200 * time.Millisecond)
	}

	if last.RetryAfterSeconds < 1 || last.RetryAfterSeconds > 60 {
		t.Fatalf("expected retry after within [1,60], got %d", last.RetryAfterSeconds)
	}
}

func TestSlidingWindowLimiter_WindowSlides(t *testing.T) {
	clock := newFakeClock()
	limiter := NewSlidingWindowLimiter(2, 10*time.Second)
	limiter.now = clock.now
	ctx := context.Background()

	limiter.Allow(ctx, 1)
	clock.advance(4 * time.Second)
	limiter.Allow(ctx, 1)

	if decision, _ := limiter.Allow(ctx, 1); decision.Allowed {
		t.Fatal("expected third call inside the window to be denied")
	}

	// Both entries are still counted while the oldest is inside the window.
	clock.advance(5 * time.Second)
	if got := limiter.Count(1); got != 2 {
		t.Fatalf("expected 2 counted calls, got %d", got)
	}

	clock.advance(1 * time.Second)
	decision, _ := limiter.Allow(ctx, 1)
	if !decision.Allowed {
		t.Fatal("expected call to be admitted once the oldest entry left the window")
	}
	if decision.Remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", decision.Remaining)
	}
}

func TestSlidingWindowLimiter_AccountsAreIndependent(t *testing.T) {
	limiter := NewSlidingWindowLimiter(1, time.Minute)
	ctx := context.Background()

	if d, _ := limiter.Allow(ctx, 1); !d.Allowed {
		t.Fatal("expected first account to be admitted")
	}
	if d, _ := limiter.Allow(ctx, 2); !d.Allowed {
		t.Fatal("expected second account to be admitted")
	}
	if d, _ := limiter.Allow(ctx, 1); d.Allowed {
		t.Fatal("expected first account to be limited")
	}

	limiter.Reset(1)
	if d, _ := limiter.Allow(ctx, 1); !d.Allowed {
		t.Fatal("expected reset account to be admitted")
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		name        string
		window      time.Duration
		sinceOldest time.Duration
		want        int
	}{
		{name: "just admitted", window: 60 * time.Second, sinceOldest: 0, want: 60},
		{name: "half elapsed", window: 60 * time.Second, sinceOldest: 30 * time.Second, want: 31},
		{name: "fraction left", window: 60 * time.Second, sinceOldest: 59500 * time.Millisecond, want: 2},
		{name: "already expired", window: 60 * time.Second, sinceOldest: 61 * time.Second, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryAfterSeconds(tt.window, tt.sinceOldest); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func newRedisLimiter(t *testing.T, limit int, window time.Duration) (*RedisRateLimiter, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	limiter := NewRedisRateLimiter(client, "test:rl", "question", limit, window, logger)
	clock := newFakeClock()
	limiter.now = clock.now
	return limiter, clock, mr
}

func TestRedisRateLimiter_FourthCallDenied(t *testing.T) {
	limiter, clock, _ := newRedisLimiter(t, 3, 60*time.Second)
	ctx := context.Background()

	want := []bool{true, true, true, false}
	var last Decision
	for i, expected := range want {
		decision, err := limiter.Allow(ctx, 7)
		if err != nil {
			t.Fatalf("allow %d: unexpected error: %v", i, err)
		}
		if decision.Allowed != expected {
			t.Fatalf("call %d: expected allowed=%v, got %v", i, expected, decision.Allowed)
		}
		last = decision
		clock.advance(100 * time.Millisecond)
	}
	if last.RetryAfterSeconds < 1 || last.RetryAfterSeconds > 60 {
		t.Fatalf("expected retry after within [1,60], got %d", last.RetryAfterSeconds)
	}

	clock.advance(61 * time.Second)
	if decision, _ := limiter.Allow(ctx, 7); !decision.Allowed {
		t.Fatal("expected call after the window to be admitted")
	}
}

func TestRedisRateLimiter_Reset(t *testing.T) {
	limiter, _, mr := newRedisLimiter(t, 1, time.Minute)
	ctx := context.Background()

	limiter.Allow(ctx, 9)
	if !mr.Exists("test:rl:question:9") {
		t.Fatal("expected window key to exist")
	}
	if decision, _ := limiter.Allow(ctx, 9); decision.Allowed {
		t.Fatal("expected second call to be denied")
	}
	if err := limiter.Reset(ctx, 9); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if decision, _ := limiter.Allow(ctx, 9); !decision.Allowed {
		t.Fatal("expected call after reset to be admitted")
	}
}

func TestRedisRateLimiter_FailsOpen(t *testing.T) {
	limiter, _, mr := newRedisLimiter(t, 1, time.Minute)
	mr.Close()

	decision, err := limiter.Allow(context.Background(), 3)
	if err != nil {
		t.Fatalf("expected no error when redis is down, got %v", err)
	}
	if !decision.Allowed {
		t.Fatal("expected call to be admitted when redis is down")
	}
}
