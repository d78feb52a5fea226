/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Debits are a single conditional UPDATE; payment credits insert into the
 * `credited_payments` ledger in the same transaction as the balance increment so a
 * replayed feed transaction is never credited twice.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/credit-gateway/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

const paymentWatermarkName = "payment_reconciler"

const accountColumns = `id, COALESCE(username, ''), balance, used_requests, total_payments, is_blocked, last_active, last_payment_time, created_at`

// PostgresRepository is the concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the tables used by the gateway when they are missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// EnsureAccount inserts the account with the starting grant on first contact, otherwise
// refreshes its username and last_active. The boolean reports whether a row was created.
func (r *PostgresRepository) EnsureAccount(ctx context.Context, profile domain.AccountProfile, startingBalance int64) (*domain.Account, bool, error) {
	if startingBalance < 0 {
		startingBalance = 0
	}
	query := `
		INSERT INTO accounts (id, username, balance, last_active)
		VALUES ($1, NULLIF($2, ''), $3, NOW())
		ON CONFLICT (id) DO UPDATE
		SET username = COALESCE(NULLIF(EXCLUDED.username, ''), accounts.username),
		    last_active = NOW()
		RETURNING ` + accountColumns + `, (xmax = 0) AS inserted
	`
	var account domain.Account
	var inserted bool
	err := r.db.QueryRow(ctx, query, profile.ID, domain.NormalizeUsername(profile.Username), startingBalance).Scan(
		&account.ID,
		&account.Username,
		&account.Balance,
		&account.UsedRequests,
		&account.TotalPayments,
		&account.IsBlocked,
		&account.LastActive,
		&account.LastPaymentTime,
		&account.CreatedAt,
		&inserted,
	)
	if err != nil {
		return nil, false, fmt.Errorf("ensure account %d: %w", profile.ID, err)
	}
	return &account, inserted, nil
}

func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID int64) (*domain.Account, error) {
	row := r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID)
	return scanAccount(row)
}

// FindAccountByUsername matches case-insensitively; the most recently active holder wins.
func (r *PostgresRepository) FindAccountByUsername(ctx context.Context, username string) (*domain.Account, error) {
	normalized := domain.NormalizeUsername(username)
	if normalized == "" {
		return nil, ErrAccountNotFound
	}
	row := r.db.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE LOWER(username) = LOWER($1)
		ORDER BY last_active DESC
		LIMIT 1
	`, normalized)
	return scanAccount(row)
}

func (r *PostgresRepository) ListAccounts(ctx context.Context, limit, offset int) ([]domain.Account, error) {
	if limit < 0 {
		limit = 0
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := make([]domain.Account, 0, limit)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, rows.Err()
}

func (r *PostgresRepository) CountAccounts(ctx context.Context) (int64, error) {
	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// DebitBalance performs the guarded decrement as one statement. A miss is resolved into
// ErrAccountNotFound or ErrInsufficientBalance with a follow-up existence check.
func (r *PostgresRepository) DebitBalance(ctx context.Context, accountID int64, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var balance int64
	err := r.db.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance - $1, used_requests = used_requests + $1
		WHERE id = $2 AND balance >= $1
		RETURNING balance
	`, amount, accountID).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	exists, err := r.accountExists(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrAccountNotFound
	}
	return 0, ErrInsufficientBalance
}

func (r *PostgresRepository) CreditBalance(ctx context.Context, accountID int64, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return creditAccount(ctx, r.db, accountID, amount)
}

// CreditPayment records the payment ledger row and the credit atomically. The ledger insert
// runs after the balance update so a missing account surfaces as ErrAccountNotFound rather
// than a foreign-key violation; a duplicate transaction id rolls the credit back.
func (r *PostgresRepository) CreditPayment(ctx context.Context, payment domain.CreditedPayment) (int64, error) {
	if payment.Credits <= 0 {
		return 0, ErrInvalidAmount
	}
	if strings.TrimSpace(payment.TransactionID) == "" {
		return 0, fmt.Errorf("credit payment: transaction id is required")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	balance, err := creditAccount(ctx, tx, payment.AccountID, payment.Credits)
	if err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO credited_payments (transaction_id, account_id, amount_minor, credits, occurred_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (transaction_id) DO NOTHING
	`, payment.TransactionID, payment.AccountID, payment.AmountMinor, payment.Credits, payment.OccurredAt)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrPaymentAlreadyCredited
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return balance, nil
}

func (r *PostgresRepository) SetBalance(ctx context.Context, accountID int64, balance int64) error {
	if balance < 0 {
		return ErrInvalidAmount
	}
	return r.execOnAccount(ctx, `UPDATE accounts SET balance = $1 WHERE id = $2`, balance, accountID)
}

func (r *PostgresRepository) SetBlocked(ctx context.Context, accountID int64, blocked bool) error {
	return r.execOnAccount(ctx, `UPDATE accounts SET is_blocked = $1 WHERE id = $2`, blocked, accountID)
}

func (r *PostgresRepository) GetReconcileWatermark(ctx context.Context) (time.Time, bool, error) {
	var watermark time.Time
	err := r.db.QueryRow(ctx, `SELECT watermark FROM reconciler_state WHERE name = $1`, paymentWatermarkName).Scan(&watermark)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return watermark, true, nil
}

func (r *PostgresRepository) SaveReconcileWatermark(ctx context.Context, watermark time.Time) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO reconciler_state (name, watermark, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET watermark = EXCLUDED.watermark, updated_at = NOW()
	`, paymentWatermarkName, watermark)
	return err
}

func (r *PostgresRepository) accountExists(ctx context.Context, accountID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists)
	return exists, err
}

func (r *PostgresRepository) execOnAccount(ctx context.Context, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func creditAccount(ctx context.Context, q querier, accountID int64, amount int64) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $1, total_payments = total_payments + $1, last_payment_time = NOW()
		WHERE id = $2
		RETURNING balance
	`, amount, accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return balance, nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var account domain.Account
	err := row.Scan(
		&account.ID,
		&account.Username,
		&account.Balance,
		&account.UsedRequests,
		&account.TotalPayments,
		&account.IsBlocked,
		&account.LastActive,
		&account.LastPaymentTime,
		&account.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}
