package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/transfa/credit-gateway/internal/domain"
)

// MemoryRepository is a process-local Repository used for tests and STORE_DRIVER=memory.
// A single mutex serializes every mutation, which gives it the same all-or-nothing
// behaviour as the guarded statements in PostgresRepository.
type MemoryRepository struct {
	mu        sync.Mutex
	accounts  map[int64]*domain.Account
	credited  map[string]domain.CreditedPayment
	watermark *time.Time
	now       func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[int64]*domain.Account),
		credited: make(map[string]domain.CreditedPayment),
		now:      time.Now,
	}
}

func (m *MemoryRepository) EnsureAccount(_ context.Context, profile domain.AccountProfile, startingBalance int64) (*domain.Account, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	username := domain.NormalizeUsername(profile.Username)
	if account, ok := m.accounts[profile.ID]; ok {
		if username != "" {
			account.Username = username
		}
		account.LastActive = now
		copied := *account
		return &copied, false, nil
	}

	if startingBalance < 0 {
		startingBalance = 0
	}
	account := &domain.Account{
		ID:         profile.ID,
		Username:   username,
		Balance:    startingBalance,
		LastActive: now,
		CreatedAt:  now,
	}
	m.accounts[profile.ID] = account
	copied := *account
	return &copied, true, nil
}

func (m *MemoryRepository) FindAccountByID(_ context.Context, accountID int64) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	copied := *account
	return &copied, nil
}

func (m *MemoryRepository) FindAccountByUsername(_ context.Context, username string) (*domain.Account, error) {
	normalized := domain.NormalizeUsername(username)
	if normalized == "" {
		return nil, ErrAccountNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var found *domain.Account
	for _, account := range m.accounts {
		if !strings.EqualFold(account.Username, normalized) {
			continue
		}
		if found == nil || account.LastActive.After(found.LastActive) {
			found = account
		}
	}
	if found == nil {
		return nil, ErrAccountNotFound
	}
	copied := *found
	return &copied, nil
}

func (m *MemoryRepository) ListAccounts(_ context.Context, limit, offset int) ([]domain.Account, error) {
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]int64, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	accounts := make([]domain.Account, 0, limit)
	for i := offset; i < len(ids) && len(accounts) < limit; i++ {
		accounts = append(accounts, *m.accounts[ids[i]])
	}
	return accounts, nil
}

func (m *MemoryRepository) CountAccounts(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.accounts)), nil
}

func (m *MemoryRepository) DebitBalance(_ context.Context, accountID int64, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	if account.Balance < amount {
		return 0, ErrInsufficientBalance
	}
	account.Balance -= amount
	account.UsedRequests += amount
	return account.Balance, nil
}

func (m *MemoryRepository) CreditBalance(_ context.Context, accountID int64, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creditLocked(accountID, amount)
}

func (m *MemoryRepository) CreditPayment(_ context.Context, payment domain.CreditedPayment) (int64, error) {
	if payment.Credits <= 0 {
		return 0, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[payment.AccountID]; !ok {
		return 0, ErrAccountNotFound
	}
	if _, seen := m.credited[payment.TransactionID]; seen {
		return 0, ErrPaymentAlreadyCredited
	}
	balance, err := m.creditLocked(payment.AccountID, payment.Credits)
	if err != nil {
		return 0, err
	}
	m.credited[payment.TransactionID] = payment
	return balance, nil
}

func (m *MemoryRepository) SetBalance(_ context.Context, accountID int64, balance int64) error {
	if balance < 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	account.Balance = balance
	return nil
}

func (m *MemoryRepository) SetBlocked(_ context.Context, accountID int64, blocked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	account, ok := m.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	account.IsBlocked = blocked
	return nil
}

func (m *MemoryRepository) GetReconcileWatermark(_ context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watermark == nil {
		return time.Time{}, false, nil
	}
	return *m.watermark, true, nil
}

func (m *MemoryRepository) SaveReconcileWatermark(_ context.Context, watermark time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := watermark
	m.watermark = &w
	return nil
}

func (m *MemoryRepository) creditLocked(accountID int64, amount int64) (int64, error) {
	account, ok := m.accounts[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	now := m.now().UTC()
	account.Balance += amount
	account.TotalPayments += amount
	account.LastPaymentTime = &now
	return account.Balance, nil
}
