package app

import (
	"sync"
	"time"
)

type cacheEntry struct {
	balance    int64
	observedAt time.Time
}

// BalanceCache is a short-lived snapshot of account balances for display and the pre-check
// before a paid request. It is never the basis of a debit decision.
type BalanceCache struct {
	ttl time.Duration
	now func() time.Time

	mu          sync.Mutex
	entries     map[int64]cacheEntry
	generations map[int64]uint64
}

func NewBalanceCache(ttl time.Duration) *BalanceCache {
	return &BalanceCache{
		ttl:         ttl,
		now:         time.Now,
		entries:     make(map[int64]cacheEntry),
		generations: make(map[int64]uint64),
	}
}

// Get drops and misses entries whose age has reached the TTL.
func (c *BalanceCache) Get(accountID int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[accountID]
	if !ok {
		return 0, false
	}
	if c.now().Sub(entry.observedAt) >= c.ttl {
		delete(c.entries, accountID)
		return 0, false
	}
	return entry.balance, true
}

func (c *BalanceCache) Set(accountID int64, balance int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[accountID] = cacheEntry{balance: balance, observedAt: c.now()}
}

// Generation returns the invalidation counter for the account. Read it before loading a
// balance from the store and pass it to SetIfUnchanged.
func (c *BalanceCache) Generation(accountID int64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[accountID]
}

// SetIfUnchanged stores the balance only when no invalidation happened since generation was
// read, so a load that raced a write cannot repopulate the cache with the old value.
func (c *BalanceCache) SetIfUnchanged(accountID int64, balance int64, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[accountID] != generation {
		return false
	}
	c.entries[accountID] = cacheEntry{balance: balance, observedAt: c.now()}
	return true
}

// Invalidate drops the entry and bumps the account generation.
func (c *BalanceCache) Invalidate(accountID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, accountID)
	c.generations[accountID]++
}
