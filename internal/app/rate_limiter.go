package app

import (
	"context"
	"math"
	"sync"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
	Remaining         int
}

// RateLimiter admits or denies one call for an account.
type RateLimiter interface {
	Allow(ctx context.Context, accountID int64) (Decision, error)
}

// SlidingWindowLimiter keeps the admitted call timestamps of each account for the trailing
// window and prunes stale entries lazily on every check.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[int64][]time.Time
}

func NewSlidingWindowLimiter(limit int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[int64][]time.Time),
	}
}

func (l *SlidingWindowLimiter) Allow(_ context.Context, accountID int64) (Decision, error) {
	if l.limit <= 0 || l.window <= 0 {
		return Decision{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entries := pruneBefore(l.windows[accountID], now.Add(-l.window))
	if len(entries) >= l.limit {
		l.windows[accountID] = entries
		return Decision{RetryAfterSeconds: retryAfterSeconds(l.window, now.Sub(entries[0]))}, nil
	}

	l.windows[accountID] = append(entries, now)
	return Decision{Allowed: true, Remaining: l.limit - len(entries) - 1}, nil
}

// Count returns the number of calls currently counted against the account.
func (l *SlidingWindowLimiter) Count(accountID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := pruneBefore(l.windows[accountID], l.now().Add(-l.window))
	if len(entries) == 0 {
		delete(l.windows, accountID)
		return 0
	}
	l.windows[accountID] = entries
	return len(entries)
}

// Reset forgets the account's window.
func (l *SlidingWindowLimiter) Reset(accountID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, accountID)
}

// pruneBefore drops timestamps at or before cutoff; entries are kept in admission order.
func pruneBefore(entries []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(entries) && !entries[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return entries
	}
	return append(entries[:0], entries[idx:]...)
}

// retryAfterSeconds is ceil(window - elapsed) + 1, clamped to [1, window].
func retryAfterSeconds(window, sinceOldest time.Duration) int {
	remaining := (window - sinceOldest).Seconds()
	retry := int(math.Ceil(remaining)) + 1
	maxRetry := int(math.Ceil(window.Seconds()))
	if retry > maxRetry {
		retry = maxRetry
	}
	if retry < 1 {
		retry = 1
	}
	return retry
}
