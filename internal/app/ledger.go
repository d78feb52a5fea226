package app

import (
	"context"

	"github.com/transfa/credit-gateway/internal/domain"
	"github.com/transfa/credit-gateway/internal/store"
)

// Ledger pairs the balance store with the balance cache. Every write drops the cached
// snapshot for the account before returning, whether or not the write succeeded.
type Ledger struct {
	repo  store.Repository
	cache *BalanceCache
}

func NewLedger(repo store.Repository, cache *BalanceCache) *Ledger {
	return &Ledger{repo: repo, cache: cache}
}

// Balance reads through the cache, falling back to the store and repopulating the cache
// unless a write invalidated the account while the store read was in flight.
func (l *Ledger) Balance(ctx context.Context, accountID int64) (int64, error) {
	if balance, ok := l.cache.Get(accountID); ok {
		return balance, nil
	}
	generation := l.cache.Generation(accountID)
	account, err := l.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		return 0, err
	}
	l.cache.SetIfUnchanged(accountID, account.Balance, generation)
	return account.Balance, nil
}

func (l *Ledger) Debit(ctx context.Context, accountID int64, amount int64) (int64, error) {
	defer l.cache.Invalidate(accountID)
	return l.repo.DebitBalance(ctx, accountID, amount)
}

func (l *Ledger) Credit(ctx context.Context, accountID int64, amount int64) (int64, error) {
	defer l.cache.Invalidate(accountID)
	return l.repo.CreditBalance(ctx, accountID, amount)
}

func (l *Ledger) CreditPayment(ctx context.Context, payment domain.CreditedPayment) (int64, error) {
	defer l.cache.Invalidate(payment.AccountID)
	return l.repo.CreditPayment(ctx, payment)
}

func (l *Ledger) SetBalance(ctx context.Context, accountID int64, balance int64) error {
	defer l.cache.Invalidate(accountID)
	return l.repo.SetBalance(ctx, accountID, balance)
}
