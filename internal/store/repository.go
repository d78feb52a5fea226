/**
 * @description
 * This file defines the `Repository` interface, the durable Balance Store of the
 * credit-gateway. Every balance mutation goes through a single atomic statement
 * (or one transaction) in the implementation; callers never read-modify-write
 * a balance on the application side.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/transfa/credit-gateway/internal/domain"
)

var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrPaymentAlreadyCredited = errors.New("payment already credited")
)

// Repository defines the set of methods for interacting with the balance store.
type Repository interface {
	// Account lifecycle
	EnsureAccount(ctx context.Context, profile domain.AccountProfile, startingBalance int64) (*domain.Account, bool, error)
	FindAccountByID(ctx context.Context, accountID int64) (*domain.Account, error)
	FindAccountByUsername(ctx context.Context, username string) (*domain.Account, error)
	ListAccounts(ctx context.Context, limit, offset int) ([]domain.Account, error)
	CountAccounts(ctx context.Context) (int64, error)

	// Balance mutations
	// DebitBalance decrements balance and increments used_requests only when balance >= amount.
	DebitBalance(ctx context.Context, accountID int64, amount int64) (int64, error)
	// CreditBalance increments balance and total_payments and stamps last_payment_time.
	CreditBalance(ctx context.Context, accountID int64, amount int64) (int64, error)
	// CreditPayment applies CreditBalance and records the feed transaction id in one unit.
	CreditPayment(ctx context.Context, payment domain.CreditedPayment) (int64, error)
	SetBalance(ctx context.Context, accountID int64, balance int64) error
	SetBlocked(ctx context.Context, accountID int64, blocked bool) error

	// Reconciler state
	GetReconcileWatermark(ctx context.Context) (time.Time, bool, error)
	SaveReconcileWatermark(ctx context.Context, watermark time.Time) error
}
