package app

import "sync"

// RequestLock allows at most one in-flight paid operation per account.
type RequestLock struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

func NewRequestLock() *RequestLock {
	return &RequestLock{held: make(map[int64]struct{})}
}

// TryAcquire marks the account as held and reports whether it was free.
func (l *RequestLock) TryAcquire(accountID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[accountID]; busy {
		return false
	}
	l.held[accountID] = struct{}{}
	return true
}

// Release is a no-op for accounts that are not held.
func (l *RequestLock) Release(accountID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, accountID)
}

func (l *RequestLock) Held(accountID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[accountID]
	return busy
}
