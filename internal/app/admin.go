package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/transfa/credit-gateway/internal/domain"
	"github.com/transfa/credit-gateway/internal/store"
)

const (
	defaultAccountsPerPage = 10
	maxAccountsPerPage     = 100
)

// FindAccount resolves an operator lookup for an account id.
func (s *Service) FindAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	return s.findAccount(ctx, accountID)
}

// FindAccountByUsername resolves an operator lookup by username, with or without a leading "@".
func (s *Service) FindAccountByUsername(ctx context.Context, username string) (*domain.Account, error) {
	normalized := domain.NormalizeUsername(username)
	if normalized == "" {
		return nil, store.ErrAccountNotFound
	}
	account, err := s.repo.FindAccountByUsername(ctx, normalized)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, err
		}
		return nil, storeFailure("find account by username", err)
	}
	return account, nil
}

// ListAccounts returns one page of accounts ordered by id.
func (s *Service) ListAccounts(ctx context.Context, page, perPage int) (*domain.AccountPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > maxAccountsPerPage {
		perPage = defaultAccountsPerPage
	}

	total, err := s.repo.CountAccounts(ctx)
	if err != nil {
		return nil, storeFailure("count accounts", err)
	}
	// Pages whose offset would overflow int lie past any stored account.
	if page-1 > math.MaxInt/perPage {
		return &domain.AccountPage{Accounts: []domain.Account{}, Page: page, PerPage: perPage, Total: total}, nil
	}
	accounts, err := s.repo.ListAccounts(ctx, perPage, (page-1)*perPage)
	if err != nil {
		return nil, storeFailure("list accounts", err)
	}
	if accounts == nil {
		accounts = []domain.Account{}
	}
	return &domain.AccountPage{Accounts: accounts, Page: page, PerPage: perPage, Total: total}, nil
}

func (s *Service) CountAccounts(ctx context.Context) (int64, error) {
	total, err := s.repo.CountAccounts(ctx)
	if err != nil {
		return 0, storeFailure("count accounts", err)
	}
	return total, nil
}

// AdminCredit adds credits to an unblocked account and tells the user.
func (s *Service) AdminCredit(ctx context.Context, accountID int64, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if err := s.ensureUnblocked(ctx, accountID); err != nil {
		return 0, err
	}
	balance, err := s.ledger.Credit(ctx, accountID, amount)
	if err != nil {
		return 0, s.mapAdminError("credit", err)
	}
	creditsTotal.WithLabelValues("credit", "admin").Add(float64(amount))
	s.logger.Info("admin credit applied", "component", "admin", "account_id", accountID, "amount", amount, "balance", balance)
	s.notifyAccountAsync(accountID, fmt.Sprintf("%d credits were added to your account. Current balance: %d.", amount, balance))
	return balance, nil
}

// AdminDebit removes credits from an unblocked account without going below zero.
func (s *Service) AdminDebit(ctx context.Context, accountID int64, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if err := s.ensureUnblocked(ctx, accountID); err != nil {
		return 0, err
	}
	balance, err := s.ledger.Debit(ctx, accountID, amount)
	if err != nil {
		return 0, s.mapAdminError("debit", err)
	}
	creditsTotal.WithLabelValues("debit", "admin").Add(float64(amount))
	s.logger.Info("admin debit applied", "component", "admin", "account_id", accountID, "amount", amount, "balance", balance)
	return balance, nil
}

// SetBalance overwrites the balance with a non-negative value.
func (s *Service) SetBalance(ctx context.Context, accountID int64, balance int64) error {
	if balance < 0 {
		return ErrInvalidAmount
	}
	if err := s.ledger.SetBalance(ctx, accountID, balance); err != nil {
		return s.mapAdminError("set balance", err)
	}
	s.logger.Info("admin balance set", "component", "admin", "account_id", accountID, "balance", balance)
	return nil
}

func (s *Service) BlockAccount(ctx context.Context, accountID int64) error {
	return s.setBlocked(ctx, accountID, true, "Your account has been blocked. Contact support for details.")
}

func (s *Service) UnblockAccount(ctx context.Context, accountID int64) error {
	return s.setBlocked(ctx, accountID, false, "Your account has been unblocked.")
}

func (s *Service) setBlocked(ctx context.Context, accountID int64, blocked bool, notice string) error {
	if err := s.repo.SetBlocked(ctx, accountID, blocked); err != nil {
		return s.mapAdminError("set blocked", err)
	}
	s.logger.Info("account block state changed", "component", "admin", "account_id", accountID, "blocked", blocked)
	s.notifyAccountAsync(accountID, notice)
	return nil
}

func (s *Service) ensureUnblocked(ctx context.Context, accountID int64) error {
	account, err := s.findAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.IsBlocked {
		return ErrAccountBlocked
	}
	return nil
}

func (s *Service) mapAdminError(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrInsufficientBalance),
		errors.Is(err, store.ErrInvalidAmount):
		return err
	default:
		s.logger.Error("admin operation failed", "component", "admin", "op", strings.ReplaceAll(op, " ", "_"), "error", err)
		return storeFailure(op, err)
	}
}
