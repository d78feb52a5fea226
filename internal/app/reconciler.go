/**
 * @description
 * Payment reconciliation for the credit-gateway. Each cycle fetches the bank statement
 * window since the last watermark, keeps incoming payments newer than the watermark,
 * resolves the payer from the payment comment and credits whole credits exactly once per
 * transaction id. Anything that cannot be matched is handed to the operators.
 *
 * @dependencies
 * - internal/store: Repository lookups, payment ledger and watermark.
 * - internal/domain: Payer identifier parsing.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/transfa/credit-gateway/internal/domain"
	"github.com/transfa/credit-gateway/internal/store"
)

const maxReconcileCatchUp = 24 * time.Hour

// StatementFeed returns the account statement for a time range.
type StatementFeed interface {
	Fetch(ctx context.Context, from, to time.Time) ([]domain.Transaction, error)
}

// ReconcilerConfig tunes the polling window and the minor-unit conversion.
type ReconcilerConfig struct {
	FetchWindow         time.Duration
	MinorUnitsPerCredit int64
}

// ReconcileResult summarizes a cycle.
type ReconcileResult struct {
	Fetched      int       `json:"fetched"`
	Considered   int       `json:"considered"`
	Credited     int       `json:"credited"`
	Duplicates   int       `json:"duplicates"`
	ManualReview int       `json:"manual_review"`
	Failed       int       `json:"failed"`
	Watermark    time.Time `json:"watermark"`
}

type Reconciler struct {
	repo     store.Repository
	ledger   *Ledger
	feed     StatementFeed
	notifier Notifier
	logger   *slog.Logger
	cfg      ReconcilerConfig
	now      func() time.Time

	mu        sync.Mutex
	lastCheck time.Time
	loaded    bool

	notifyWG sync.WaitGroup
}

func NewReconciler(repo store.Repository, ledger *Ledger, feed StatementFeed, notifier Notifier, logger *slog.Logger, cfg ReconcilerConfig) *Reconciler {
	if cfg.FetchWindow <= 0 {
		cfg.FetchWindow = time.Minute
	}
	if cfg.MinorUnitsPerCredit <= 0 {
		cfg.MinorUnitsPerCredit = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Reconciler{
		repo:     repo,
		ledger:   ledger,
		feed:     feed,
		notifier: notifier,
		logger:   logger.With("component", "reconciler"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Run is the cron entry point.
func (r *Reconciler) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if _, err := r.RunCycle(ctx); err != nil {
		r.logger.Error("reconcile cycle failed", "error", err)
	}
}

// RunCycle executes one fetch-filter-match-credit pass. The watermark advances to the end of
// the fetched range whether or not the fetch succeeded. Cycles never overlap.
//
// Feed timestamps have whole-second resolution, so the watermark is kept on a second boundary
// and payments stamped with the watermark's own second are still considered. Repeats from the
// previous cycle are dropped by the credit ledger.
func (r *Reconciler) RunCycle(ctx context.Context) (*ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.loadWatermark(ctx); err != nil {
		reconcileCyclesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	to := r.now().UTC().Truncate(time.Second)
	from := r.lastCheck
	if windowStart := to.Add(-r.cfg.FetchWindow); windowStart.Before(from) {
		from = windowStart
	}
	if earliest := to.Add(-maxReconcileCatchUp); from.Before(earliest) {
		from = earliest
	}

	result := &ReconcileResult{Watermark: to}
	transactions, fetchErr := r.feed.Fetch(ctx, from, to)

	cutoff := r.lastCheck
	r.advance(ctx, to)

	if fetchErr != nil {
		reconcileCyclesTotal.WithLabelValues("fetch_error").Inc()
		r.logger.Error("statement fetch failed", "from", from, "to", to, "error", fetchErr)
		return result, fmt.Errorf("fetch statement: %w", fetchErr)
	}

	result.Fetched = len(transactions)
	for _, txn := range transactions {
		if txn.Amount <= 0 || txn.Time.Before(cutoff) {
			continue
		}
		result.Considered++
		r.processTransaction(ctx, txn, result)
	}

	reconcileCyclesTotal.WithLabelValues("ok").Inc()
	if result.Considered > 0 {
		r.logger.Info("reconcile cycle finished",
			"fetched", result.Fetched,
			"considered", result.Considered,
			"credited", result.Credited,
			"duplicates", result.Duplicates,
			"manual_review", result.ManualReview,
			"failed", result.Failed,
		)
	}
	return result, nil
}

// LastCheck returns the current watermark.
func (r *Reconciler) LastCheck() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCheck
}

// Wait blocks until user notifications sent by earlier cycles finish.
func (r *Reconciler) Wait() {
	r.notifyWG.Wait()
}

func (r *Reconciler) loadWatermark(ctx context.Context) error {
	if r.loaded {
		return nil
	}
	watermark, ok, err := r.repo.GetReconcileWatermark(ctx)
	if err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	if !ok {
		watermark = r.now().UTC().Add(-r.cfg.FetchWindow)
	}
	r.lastCheck = watermark.Truncate(time.Second)
	r.loaded = true
	return nil
}

func (r *Reconciler) advance(ctx context.Context, to time.Time) {
	r.lastCheck = to
	if err := r.repo.SaveReconcileWatermark(context.WithoutCancel(ctx), to); err != nil {
		r.logger.Warn("failed to persist watermark", "watermark", to, "error", err)
	}
}

func (r *Reconciler) processTransaction(ctx context.Context, txn domain.Transaction, result *ReconcileResult) {
	logger := r.logger.With("transaction_id", txn.ID, "amount", txn.Amount)

	if strings.TrimSpace(txn.Comment) == "" {
		r.review(ctx, txn, "no comment on payment", result)
		return
	}

	payer := domain.ParsePayerIdentifier(txn.Comment)
	if payer.Kind == domain.PayerUnmatched {
		r.review(ctx, txn, "could not identify payer", result)
		return
	}
	if !payer.Valid() {
		reason := "invalid account id"
		if payer.Kind == domain.PayerUsername {
			reason = "invalid username"
		}
		r.review(ctx, txn, reason, result)
		return
	}

	account, err := r.findAccount(ctx, payer)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			r.review(ctx, txn, fmt.Sprintf("no account matches %s", payer), result)
			return
		}
		logger.Error("account lookup failed", "payer", payer.String(), "error", err)
		r.fail(ctx, txn, fmt.Sprintf("store error while matching %s: %v", payer, err), result)
		return
	}

	credits := txn.Amount / r.cfg.MinorUnitsPerCredit
	if credits <= 0 {
		r.review(ctx, txn, "amount is below one credit", result)
		return
	}

	balance, err := r.ledger.CreditPayment(ctx, domain.CreditedPayment{
		TransactionID: txn.ID,
		AccountID:     account.ID,
		AmountMinor:   txn.Amount,
		Credits:       credits,
		OccurredAt:    txn.Time,
	})
	if err != nil {
		if errors.Is(err, store.ErrPaymentAlreadyCredited) {
			result.Duplicates++
			reconcileTransactionsTotal.WithLabelValues("duplicate").Inc()
			logger.Info("payment already credited; skipping")
			return
		}
		logger.Error("credit failed", "account_id", account.ID, "error", err)
		r.fail(ctx, txn, fmt.Sprintf("credit to account %d failed: %v", account.ID, err), result)
		return
	}

	result.Credited++
	reconcileTransactionsTotal.WithLabelValues("credited").Inc()
	creditsTotal.WithLabelValues("credit", "payment").Add(float64(credits))
	logger.Info("payment credited", "account_id", account.ID, "credits", credits, "balance", balance)

	text := fmt.Sprintf("Payment of %s received. %d credits were added to your account. Current balance: %d.",
		formatMinorUnits(txn.Amount, r.cfg.MinorUnitsPerCredit), credits, balance)
	r.notifyWG.Add(1)
	go func(accountID int64) {
		defer r.notifyWG.Done()
		notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.notifier.NotifyAccount(notifyCtx, accountID, text); err != nil {
			r.logger.Warn("payment notification failed", "account_id", accountID, "error", err)
		}
	}(account.ID)
}

func (r *Reconciler) findAccount(ctx context.Context, payer domain.PayerIdentifier) (*domain.Account, error) {
	if payer.Kind == domain.PayerUsername {
		return r.repo.FindAccountByUsername(ctx, payer.Username)
	}
	return r.repo.FindAccountByID(ctx, payer.AccountID)
}

func (r *Reconciler) review(ctx context.Context, txn domain.Transaction, reason string, result *ReconcileResult) {
	result.ManualReview++
	reconcileTransactionsTotal.WithLabelValues("manual_review").Inc()
	r.alertOperators(ctx, txn, reason)
}

func (r *Reconciler) fail(ctx context.Context, txn domain.Transaction, reason string, result *ReconcileResult) {
	result.Failed++
	reconcileTransactionsTotal.WithLabelValues("failed").Inc()
	r.alertOperators(ctx, txn, reason)
}

func (r *Reconciler) alertOperators(ctx context.Context, txn domain.Transaction, reason string) {
	r.logger.Warn("payment needs manual review", "transaction_id", txn.ID, "reason", reason)
	if err := r.notifier.NotifyOperators(ctx, manualReviewText(txn, reason, r.cfg.MinorUnitsPerCredit)); err != nil {
		r.logger.Error("operator notification failed", "transaction_id", txn.ID, "error", err)
	}
}

func manualReviewText(txn domain.Transaction, reason string, minorPerMajor int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Payment needs manual review: %s\n", reason)
	fmt.Fprintf(&b, "Amount: %s\n", formatMinorUnits(txn.Amount, minorPerMajor))
	fmt.Fprintf(&b, "Time: %s\n", txn.Time.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Transaction: %s\n", txn.ID)
	fmt.Fprintf(&b, "Counterparty: %s\n", orDash(txn.Counterparty))
	fmt.Fprintf(&b, "Description: %s\n", orDash(txn.Description))
	fmt.Fprintf(&b, "Comment: %s", orDash(txn.Comment))
	return b.String()
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
