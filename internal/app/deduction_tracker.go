package app

import (
	"sync"
	"time"
)

const defaultCompletedDeductionsCap = 1000

type pendingDeduction struct {
	requestID string
	startedAt time.Time
}

// DeductionTracker holds at most one pending charge per account and remembers recently
// completed request ids for diagnostics.
//
// A pending marker older than staleAfter no longer blocks a new deduction, so a request that
// never reached Complete or Cancel cannot lock the account for the life of the process.
type DeductionTracker struct {
	capacity   int
	staleAfter time.Duration
	now        func() time.Time

	mu             sync.Mutex
	pending        map[int64]pendingDeduction
	completed      map[string]struct{}
	completedOrder []string
}

func NewDeductionTracker(capacity int, staleAfter time.Duration) *DeductionTracker {
	if capacity <= 0 {
		capacity = defaultCompletedDeductionsCap
	}
	return &DeductionTracker{
		capacity:   capacity,
		staleAfter: staleAfter,
		now:        time.Now,
		pending:    make(map[int64]pendingDeduction),
		completed:  make(map[string]struct{}),
	}
}

// Start records a pending deduction and fails when one already exists for the account.
func (t *DeductionTracker) Start(accountID int64, requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.pending[accountID]; ok {
		if t.staleAfter <= 0 || t.now().Sub(existing.startedAt) < t.staleAfter {
			return false
		}
	}
	t.pending[accountID] = pendingDeduction{requestID: requestID, startedAt: t.now()}
	return true
}

// Complete clears the pending marker when it belongs to requestID and records the id as done.
func (t *DeductionTracker) Complete(accountID int64, requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.pending[accountID]; ok && existing.requestID == requestID {
		delete(t.pending, accountID)
	}
	if _, seen := t.completed[requestID]; seen {
		return
	}
	t.completed[requestID] = struct{}{}
	t.completedOrder = append(t.completedOrder, requestID)
	for len(t.completedOrder) > t.capacity {
		oldest := t.completedOrder[0]
		t.completedOrder = t.completedOrder[1:]
		delete(t.completed, oldest)
	}
}

// Cancel removes any pending marker for the account.
func (t *DeductionTracker) Cancel(accountID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, accountID)
}

func (t *DeductionTracker) Pending(accountID int64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.pending[accountID]
	return existing.requestID, ok
}

func (t *DeductionTracker) WasCompleted(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.completed[requestID]
	return ok
}

func (t *DeductionTracker) CompletedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.completedOrder)
}
