/**
 * @description
 * This file contains the core business logic of the credit-gateway: the paid question
 * flow that composes the rate limiters, the per-account request lock, the balance cache,
 * the deduction tracker and the answering backend into one charge-exactly-once operation.
 *
 * @dependencies
 * - internal/store: Balance store.
 * - pkg/answerclient: Failure classification for backend retries.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/credit-gateway/internal/domain"
	"github.com/transfa/credit-gateway/internal/store"
	"github.com/transfa/credit-gateway/pkg/answerclient"
)

const questionCost = 1

// AnswerBackend answers one question for one account.
type AnswerBackend interface {
	Invoke(ctx context.Context, service, question string, accountID int64) (string, error)
}

// ServiceConfig holds the tunables of the paid flow.
type ServiceConfig struct {
	StartingBalance     int64
	QuestionMaxLength   int
	AnswerMaxLength     int
	BackendTimeout      time.Duration
	Retry               RetryPolicy
	Retryable           func(error) bool
	AllowedServices     []string
	MinorUnitsPerCredit int64
	PaymentCardNumber   string
}

// Dependencies are the collaborators of Service. Nil concurrency primitives are created
// with defaults; Repo and Backend are required.
type Dependencies struct {
	Repo            store.Repository
	Backend         AnswerBackend
	Notifier        Notifier
	MessageLimiter  RateLimiter
	QuestionLimiter RateLimiter
	Cache           *BalanceCache
	Lock            *RequestLock
	Tracker         *DeductionTracker
	Logger          *slog.Logger
}

// Service is the request orchestrator plus the account and admin operations sharing its store.
type Service struct {
	repo            store.Repository
	ledger          *Ledger
	cache           *BalanceCache
	lock            *RequestLock
	tracker         *DeductionTracker
	messageLimiter  RateLimiter
	questionLimiter RateLimiter
	backend         AnswerBackend
	notifier        Notifier
	logger          *slog.Logger
	cfg             ServiceConfig
	allowed         map[string]struct{}
	newRequestID    func() string

	notifyWG sync.WaitGroup
}

func NewService(deps Dependencies, cfg ServiceConfig) *Service {
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryPolicy
	}
	if cfg.Retryable == nil {
		cfg.Retryable = answerclient.IsRetryable
	}
	if cfg.MinorUnitsPerCredit <= 0 {
		cfg.MinorUnitsPerCredit = 100
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cache := deps.Cache
	if cache == nil {
		cache = NewBalanceCache(30 * time.Second)
	}
	lock := deps.Lock
	if lock == nil {
		lock = NewRequestLock()
	}
	tracker := deps.Tracker
	if tracker == nil {
		tracker = NewDeductionTracker(defaultCompletedDeductionsCap, 2*cfg.BackendTimeout)
	}
	messageLimiter := deps.MessageLimiter
	if messageLimiter == nil {
		messageLimiter = NewSlidingWindowLimiter(20, time.Minute)
	}
	questionLimiter := deps.QuestionLimiter
	if questionLimiter == nil {
		questionLimiter = NewSlidingWindowLimiter(10, time.Minute)
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedServices))
	for _, name := range cfg.AllowedServices {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			allowed[strings.ToLower(trimmed)] = struct{}{}
		}
	}

	return &Service{
		repo:            deps.Repo,
		ledger:          NewLedger(deps.Repo, cache),
		cache:           cache,
		lock:            lock,
		tracker:         tracker,
		messageLimiter:  messageLimiter,
		questionLimiter: questionLimiter,
		backend:         deps.Backend,
		notifier:        notifier,
		logger:          logger,
		cfg:             cfg,
		allowed:         allowed,
		newRequestID:    uuid.NewString,
	}
}

// Ledger exposes the cache-aware balance writer shared with the reconciler.
func (s *Service) Ledger() *Ledger {
	return s.ledger
}

// Notifier returns the notification channel used by the service.
func (s *Service) Notifier() Notifier {
	return s.notifier
}

// RegisterContact creates the account with the starting grant on first contact and refreshes
// its username and last activity afterwards.
func (s *Service) RegisterContact(ctx context.Context, profile domain.AccountProfile) (*domain.Account, error) {
	if profile.ID <= 0 {
		return nil, fmt.Errorf("invalid account id %d", profile.ID)
	}
	account, created, err := s.repo.EnsureAccount(ctx, profile, s.cfg.StartingBalance)
	if err != nil {
		return nil, storeFailure("ensure account", err)
	}
	if created {
		creditsTotal.WithLabelValues("credit", "starting_grant").Add(float64(account.Balance))
		s.logger.Info("account created", "component", "service", "account_id", account.ID, "starting_balance", account.Balance)
	}
	return account, nil
}

// AdmitInteraction applies the general interaction limiter.
func (s *Service) AdmitInteraction(ctx context.Context, accountID int64) error {
	return s.admit(ctx, s.messageLimiter, "message", accountID)
}

// GetAccount returns the caller's account with its usage statistics. Blocked accounts are refused.
func (s *Service) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	account, err := s.findAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.IsBlocked {
		return nil, ErrAccountBlocked
	}
	return account, nil
}

// GetBalance reads the balance through the cache after refusing blocked accounts.
func (s *Service) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	if err := s.ensureUnblocked(ctx, accountID); err != nil {
		return 0, err
	}
	balance, err := s.ledger.Balance(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return 0, err
		}
		return 0, storeFailure("read balance", err)
	}
	return balance, nil
}

// TopUpInstructions tells the caller where to pay and which payment comment lets the
// reconciler match the payment to the account. The username is preferred; accounts without
// a usable username fall back to the numeric id.
func (s *Service) TopUpInstructions(ctx context.Context, profile domain.AccountProfile) (*domain.TopUpInstructions, error) {
	if s.cfg.PaymentCardNumber == "" {
		return nil, ErrTopUpUnavailable
	}
	account, err := s.RegisterContact(ctx, profile)
	if err != nil {
		return nil, err
	}
	if account.IsBlocked {
		return nil, ErrAccountBlocked
	}

	comment := strconv.FormatInt(account.ID, 10)
	if account.Username != "" {
		comment = "@" + account.Username
	}
	payer := domain.ParsePayerIdentifier(comment)
	if !payer.Valid() && payer.Kind == domain.PayerUsername {
		comment = strconv.FormatInt(account.ID, 10)
		payer = domain.ParsePayerIdentifier(comment)
	}

	return &domain.TopUpInstructions{
		CardNumber:          s.cfg.PaymentCardNumber,
		PaymentComment:      comment,
		IdentifierKind:      payer.Kind.String(),
		AutomaticCredit:     payer.Valid(),
		MinorUnitsPerCredit: s.cfg.MinorUnitsPerCredit,
	}, nil
}

func (s *Service) findAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	account, err := s.repo.FindAccountByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrAccountNotFound) {
			return nil, err
		}
		return nil, storeFailure("find account", err)
	}
	return account, nil
}

// SubmitQuestion runs one paid question: general limiter, request lock, paid limiter,
// balance pre-check, pending deduction, backend call, then debit or cancel. The lock is
// released on every path.
func (s *Service) SubmitQuestion(ctx context.Context, profile domain.AccountProfile, req domain.QuestionRequest) (*domain.QuestionResponse, error) {
	accountID := profile.ID
	if err := s.admit(ctx, s.messageLimiter, "message", accountID); err != nil {
		questionsTotal.WithLabelValues("rate_limited").Inc()
		return nil, err
	}

	serviceName, question, err := s.validateSubmission(req)
	if err != nil {
		questionsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	if !s.lock.TryAcquire(accountID) {
		questionsTotal.WithLabelValues("in_flight").Inc()
		return nil, ErrAlreadyInFlight
	}
	defer s.lock.Release(accountID)

	if err := s.admit(ctx, s.questionLimiter, "question", accountID); err != nil {
		questionsTotal.WithLabelValues("rate_limited").Inc()
		return nil, err
	}

	account, err := s.RegisterContact(ctx, profile)
	if err != nil {
		questionsTotal.WithLabelValues("store_failure").Inc()
		return nil, err
	}
	if account.IsBlocked {
		questionsTotal.WithLabelValues("blocked").Inc()
		return nil, ErrAccountBlocked
	}

	balance, err := s.ledger.Balance(ctx, accountID)
	if err != nil {
		questionsTotal.WithLabelValues("store_failure").Inc()
		return nil, storeFailure("read balance", err)
	}
	if balance < questionCost {
		questionsTotal.WithLabelValues("insufficient_balance").Inc()
		return nil, ErrInsufficientBalance
	}

	requestID := s.newRequestID()
	if !s.tracker.Start(accountID, requestID) {
		questionsTotal.WithLabelValues("in_flight").Inc()
		return nil, ErrAlreadyInFlight
	}

	logger := s.logger.With("component", "service", "account_id", accountID, "request_id", requestID, "service", serviceName)

	answer, err := s.invokeBackend(ctx, accountID, serviceName, question)
	if err != nil {
		s.tracker.Cancel(accountID)
		questionsTotal.WithLabelValues("backend_failure").Inc()
		logger.Warn("answering backend failed; no charge applied", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrBackendFailure, err)
	}

	// The answer exists now; a client disconnect must not skip the charge.
	newBalance, err := s.ledger.Debit(context.WithoutCancel(ctx), accountID, questionCost)
	if err != nil {
		s.tracker.Cancel(accountID)
		if errors.Is(err, store.ErrInsufficientBalance) {
			questionsTotal.WithLabelValues("balance_changed").Inc()
			logger.Warn("balance changed during request; answer withheld")
			return nil, ErrBalanceChanged
		}
		questionsTotal.WithLabelValues("store_failure").Inc()
		logger.Error("debit failed after answer", "error", err)
		s.notifyOperatorsAsync(fmt.Sprintf("Debit failed after answering account %d (request %s): %v", accountID, requestID, err))
		return nil, storeFailure("debit", err)
	}
	s.tracker.Complete(accountID, requestID)
	creditsTotal.WithLabelValues("debit", "question").Add(questionCost)
	questionsTotal.WithLabelValues("answered").Inc()
	logger.Info("question answered", "balance", newBalance)

	answer, truncated := truncateAnswer(answer, s.cfg.AnswerMaxLength)
	return &domain.QuestionResponse{
		RequestID: requestID,
		Service:   serviceName,
		Answer:    answer,
		Balance:   newBalance,
		Truncated: truncated,
	}, nil
}

// WaitForNotifications blocks until background notifications started by the service finish.
func (s *Service) WaitForNotifications() {
	s.notifyWG.Wait()
}

func (s *Service) validateSubmission(req domain.QuestionRequest) (string, string, error) {
	serviceName := strings.ToLower(strings.TrimSpace(req.Service))
	if serviceName == "" {
		return "", "", fmt.Errorf("%w: service is required", ErrUnknownService)
	}
	if len(s.allowed) > 0 {
		if _, ok := s.allowed[serviceName]; !ok {
			return "", "", fmt.Errorf("%w: %s", ErrUnknownService, serviceName)
		}
	}
	question, err := validateQuestion(req.Question, s.cfg.QuestionMaxLength)
	if err != nil {
		return "", "", err
	}
	return serviceName, question, nil
}

func (s *Service) invokeBackend(ctx context.Context, accountID int64, serviceName, question string) (string, error) {
	if s.backend == nil {
		return "", answerclient.ErrUnavailable
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.BackendTimeout)
	defer cancel()

	started := time.Now()
	var answer string
	err := s.cfg.Retry.Do(callCtx, s.cfg.Retryable, func(attemptCtx context.Context) error {
		var callErr error
		answer, callErr = s.backend.Invoke(attemptCtx, serviceName, question, accountID)
		if callErr != nil {
			backendAttemptsTotal.WithLabelValues("error").Inc()
			s.logger.Warn("answering backend attempt failed", "component", "service", "account_id", accountID, "error", callErr)
			return callErr
		}
		backendAttemptsTotal.WithLabelValues("ok").Inc()
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", answerclient.ErrTimeout, err)
		}
		return "", err
	}
	backendDuration.Observe(time.Since(started).Seconds())
	return answer, nil
}

func (s *Service) admit(ctx context.Context, limiter RateLimiter, scope string, accountID int64) error {
	decision, err := limiter.Allow(ctx, accountID)
	if err != nil {
		s.logger.Warn("rate limiter check failed; admitting request", "component", "rate_limiter", "scope", scope, "account_id", accountID, "error", err)
		return nil
	}
	if decision.Allowed {
		return nil
	}
	rateLimitedTotal.WithLabelValues(scope).Inc()
	return &RateLimitError{Scope: scope, RetryAfterSeconds: decision.RetryAfterSeconds}
}

func (s *Service) notifyAccountAsync(accountID int64, text string) {
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.notifier.NotifyAccount(ctx, accountID, text); err != nil {
			s.logger.Warn("account notification failed", "component", "notifier", "account_id", accountID, "error", err)
		}
	}()
}

func (s *Service) notifyOperatorsAsync(text string) {
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.notifier.NotifyOperators(ctx, text); err != nil {
			s.logger.Warn("operator notification failed", "component", "notifier", "error", err)
		}
	}()
}
