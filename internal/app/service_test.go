package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/transfa/credit-gateway/internal/domain"
	"github.com/transfa/credit-gateway/internal/store"
	"github.com/transfa/credit-gateway/pkg/answerclient"
)

type backendStub struct {
	mu      sync.Mutex
	calls   int
	answer  string
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (b *backendStub) Invoke(ctx context.Context, service, question string, accountID int64) (string, error) {
	b.mu.Lock()
	b.calls++
	block, entered := b.block, b.entered
	b.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if b.err != nil {
		return "", b.err
	}
	if b.answer == "" {
		return "answer to " + question, nil
	}
	return b.answer, nil
}

func (b *backendStub) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type recordingNotifier struct {
	mu        sync.Mutex
	accounts  map[int64][]string
	operators []string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{accounts: make(map[int64][]string)}
}

func (n *recordingNotifier) NotifyAccount(_ context.Context, accountID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts[accountID] = append(n.accounts[accountID], text)
	return nil
}

func (n *recordingNotifier) NotifyOperators(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.operators = append(n.operators, text)
	return nil
}

func (n *recordingNotifier) accountMessages(accountID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.accounts[accountID]...)
}

func (n *recordingNotifier) operatorMessages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.operators...)
}

type failingDebitRepo struct {
	*store.MemoryRepository
	err error
}

func (r *failingDebitRepo) DebitBalance(context.Context, int64, int64) (int64, error) {
	return 0, r.err
}

type serviceFixture struct {
	service  *Service
	repo     store.Repository
	backend  *backendStub
	notifier *recordingNotifier
}

func newServiceFixture(t *testing.T, repo store.Repository, deps Dependencies, cfg ServiceConfig) serviceFixture {
	t.Helper()
	if repo == nil {
		repo = store.NewMemoryRepository()
	}
	backend := &backendStub{}
	notifier := newRecordingNotifier()

	deps.Repo = repo
	if deps.Backend == nil {
		deps.Backend = backend
	}
	deps.Notifier = notifier
	deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	if cfg.StartingBalance == 0 {
		cfg.StartingBalance = 5
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	}
	if cfg.BackendTimeout == 0 {
		cfg.BackendTimeout = 5 * time.Second
	}
	if cfg.QuestionMaxLength == 0 {
		cfg.QuestionMaxLength = 4000
	}

	svc := NewService(deps, cfg)
	t.Cleanup(svc.WaitForNotifications)
	return serviceFixture{service: svc, repo: repo, backend: backend, notifier: notifier}
}

var testProfile = domain.AccountProfile{ID: 100200, Username: "john_doe"}

func question(text string) domain.QuestionRequest {
	return domain.QuestionRequest{Service: "assistant", Question: text}
}

func TestSubmitQuestion_EndToEnd(t *testing.T) {
	fx := newServiceFixture(t, nil, Dependencies{}, ServiceConfig{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := fx.service.SubmitQuestion(ctx, testProfile, question("hello"))
		if err != nil {
			t.Fatalf("question %d: unexpected error: %v", i+1, err)
		}
		if resp.Answer != "answer to hello" {
			t.Fatalf("unexpected answer %q", resp.Answer)
		}
	}

	fx.backend.mu.Lock()
	fx.backend.block = make(chan struct{})
	fx.backend.entered = make(chan struct{}, 1)
	fx.backend.mu.Unlock()

	type outcome struct {
		resp *domain.QuestionResponse
		err  error
	}
	third := make(chan outcome, 1)
	go func() {
		resp, err := fx.service.SubmitQuestion(ctx, testProfile, question("third"))
		third <- outcome{resp: resp, err: err}
	}()
	<-fx.backend.entered

	if _, err := fx.service.SubmitQuestion(ctx, testProfile, question("duplicate")); !errors.Is(err, ErrAlreadyInFlight) {
		t.Fatalf("expected ErrAlreadyInFlight for concurrent duplicate, got %v", err)
	}

	close(fx.backend.block)
	result := <-third
	if result.err != nil {
		t.Fatalf("third question: unexpected error: %v", result.err)
	}
	if result.resp.Balance != 2 {
		t.Fatalf("expected response balance 2, got %d", result.resp.Balance)
	}

	account, err := fx.repo.FindAccountByID(ctx, testProfile.ID)
	if err != nil {
		t.Fatalf("find account: %v", err)
	}
	if account.Balance != 2 || account.UsedRequests != 3 {
		t.Fatalf("expected balance 2 and 3 used requests, got balance %d used %d", account.Balance, account.UsedRequests)
	}
	if fx.backend.callCount() != 3 {
		t.Fatalf("expected 3 backend calls, got %d", fx.backend.callCount())
	}
	if fx.service.lock.Held(testProfile.ID) {
		t.Fatal("expected lock to be released")
	}
	if _, pending := fx.service.tracker.Pending(testProfile.ID); pending {
		t.Fatal("expected no pending deduction")
	}
	if !fx.service.tracker.WasCompleted(result.resp.RequestID) {
		t.Fatal("expected request id to be recorded as completed")
	}
}

func TestSubmitQuestion_BackendFailureIsNotCharged(t *testing.T) {
	backend := &backendStub{err: answerclient.ErrUnavailable}
	fx := newServiceFixture(t, nil, Dependencies{Backend: backend}, ServiceConfig{})
	ctx := context.Background()

	_, err := fx.service.SubmitQuestion(ctx, testProfile, question("hello"))
	if !errors.Is(err, ErrBackendFailure) {
		t.Fatalf("expected ErrBackendFailure, got %v", err)
	}
	if backend.callCount() != 3 {
		t.Fatalf("expected 3 attempts, got %d", backend.callCount())
	}

	account, _ := fx.repo.FindAccountByID(ctx, testProfile.ID)
	if account.Balance != 5 || account.UsedRequests != 0 {
		t.Fatalf("expected untouched balance 5, got %d used %d", account.Balance, account.UsedRequests)
	}
	if fx.service.lock.Held(testProfile.ID) {
		t.Fatal("expected lock to be released after failure")
	}
	if _, pending := fx.service.tracker.Pending(testProfile.ID); pending {
		t.Fatal("expected pending deduction to be cancelled")
	}
}

func TestSubmitQuestion_BackendTimeout(t *testing.T) {
	backend := &backendStub{block: make(chan struct{})}
	fx := newServiceFixture(t, nil, Dependencies{Backend: backend}, ServiceConfig{
		BackendTimeout: 20 * time.Millisecond,
		Retry:          RetryPolicy{MaxAttempts: 1},
	})

	_, err := fx.service.SubmitQuestion(context.Background(), testProfile, question("slow"))
	if !errors.Is(err, ErrBackendFailure) || !errors.Is(err, answerclient.ErrTimeout) {
		t.Fatalf("expected backend timeout failure, got %v", err)
	}
	account, _ := fx.repo.FindAccountByID(context.Background(), testProfile.ID)
	if account.Balance != 5 {
		t.Fatalf("expected no charge on timeout, got balance %d", account.Balance)
	}
}

func TestSubmitQuestion_InsufficientBalance(t *testing.T) {
	fx := newServiceFixture(t, nil, Dependencies{}, ServiceConfig{})
	ctx := context.Background()

	if _, err := fx.service.RegisterContact(ctx, testProfile); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := fx.service.SetBalance(ctx, testProfile.ID, 0); err != nil {
		t.Fatalf("set balance: %v", err)
	}

	_, err := fx.service.SubmitQuestion(ctx, testProfile, question("hello"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if fx.backend.callCount() != 0 {
		t.Fatal("backend must not be called without balance")
	}
}

func TestSubmitQuestion_StaleCacheYieldsBalanceChanged(t *testing.T) {
	fx := newServiceFixture(t, nil, Dependencies{}, ServiceConfig{})
	ctx := context.Background()

	fx.service.RegisterContact(ctx, testProfile)
	if balance, err := fx.service.GetBalance(ctx, testProfile.ID); err != nil || balance != 5 {
		t.Fatalf("expected cached balance 5, got %d err=%v", balance, err)
	}
	// Drain the store behind the cache.
	if err := fx.repo.SetBalance(ctx, testProfile.ID, 0); err != nil {
		t.Fatalf("set balance: %v", err)
	}

	_, err := fx.service.SubmitQuestion(ctx, testProfile, question("hello"))
	if !errors.Is(err, ErrBalanceChanged) {
		t.Fatalf("expected ErrBalanceChanged, got %v", err)
	}
	account, _ := fx.repo.FindAccountByID(ctx, testProfile.ID)
	if account.Balance != 0 || account.UsedRequests != 0 {
		t.Fatalf("expected balance to stay 0, got %d used %d", account.Balance, account.UsedRequests)
	}
	if _, pending := fx.service.tracker.Pending(testProfile.ID); pending {
		t.Fatal("expected pending deduction to be cancelled")
	}
}

func TestSubmitQuestion_DebitStoreFailureAlertsOperators(t *testing.T) {
	repo := &failingDebitRepo{MemoryRepository: store.NewMemoryRepository(), err: errors.New("connection reset")}
	fx := newServiceFixture(t, repo, Dependencies{}, ServiceConfig{})

	_, err := fx.service.SubmitQuestion(context.Background(), testProfile, question("hello"))
	if !errors.Is(err, ErrStoreFailure) {
		t.Fatalf("expected ErrStoreFailure, got %v", err)
	}

	fx.service.WaitForNotifications()
	messages := fx.notifier.operatorMessages()
	if len(messages) != 1 || !strings.Contains(messages[0], "Debit failed") {
		t.Fatalf("expected one operator alert, got %v", messages)
	}
	if fx.service.lock.Held(testProfile.ID) {
		t.Fatal("expected lock to be released")
	}
}

func TestSubmitQuestion_BlockedAccount(t *testing.T) {
	fx := newServiceFixture(t, nil, Dependencies{}, ServiceConfig{})
	ctx := context.Background()

	fx.service.RegisterContact(ctx, testProfile)
	if err := fx.service.BlockAccount(ctx, testProfile.ID); err != nil {
		t.Fatalf("block: %v", err)
	}

	if _, err := fx.service.SubmitQuestion(ctx, testProfile, question("hello")); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("expected ErrAccountBlocked, got %v", err)
	}
	if fx.backend.callCount() != 0 {
		t.Fatal("backend must not be called for blocked accounts")
	}
}

func TestSubmitQuestion_RateLimited(t *testing.T) {
	tests := []struct {
		name  string
		deps  Dependencies
		scope string
	}{
		{name: "message limiter", deps: Dependencies{MessageLimiter: NewSlidingWindowLimiter(1, time.Minute)}, scope: "message"},
		{name: "question limiter", deps: Dependencies{QuestionLimiter: NewSlidingWindowLimiter(1, time.Minute)}, scope: "question"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newServiceFixture(t, nil, tt.deps, ServiceConfig{})
			ctx := context.Background()

			if _, err := fx.service.SubmitQuestion(ctx, testProfile, question("one")); err != nil {
				t.Fatalf("first question: %v", err)
			}
			_, err := fx.service.SubmitQuestion(ctx, testProfile, question("two"))
			rlErr, ok := IsRateLimited(err)
			if !ok {
				t.Fatalf("expected rate limit error, got %v", err)
			}
			if rlErr.Scope != tt.scope {
				t.Fatalf("expected scope %s, got %s", tt.scope, rlErr.Scope)
			}
			if rlErr.RetryAfterSeconds < 1 || rlErr.RetryAfterSeconds > 60 {
				t.Fatalf("expected retry after in [1,60], got %d", rlErr.RetryAfterSeconds)
			}
			if fx.service.lock.Held(testProfile.ID) {
				t.Fatal("expected lock to be released")
			}
		})
	}
}

func TestSubmitQuestion_ValidatesInput(t *testing.T) {
	fx := newServiceFixture(t, nil, Dependencies{}, ServiceConfig{AllowedServices: []string{"assistant", " Translator "}})
	ctx := context.Background()

	if _, err := fx.service.SubmitQuestion(ctx, testProfile, domain.QuestionRequest{Service: "unknown", Question: "hi"}); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("expected ErrUnknownService, got %v", err)
	}
	if _, err := fx.service.SubmitQuestion(ctx, testProfile, domain.QuestionRequest{Service: "translator", Question: "  "}); !errors.Is(err, ErrInvalidQuestion) {
		t.Fatalf("expected ErrInvalidQuestion, got %v", err)
	}
	resp, err := fx.service.SubmitQuestion(ctx, testProfile, domain.QuestionRequest{Service: "TRANSLATOR", Question: "hi"})
	if err != nil {
		t.Fatalf("expected allowed service, got %v", err)
	}
	if resp.Service != "translator" {
		t.Fatalf("expected normalized service name, got %q", resp.Service)
	}
}

func TestSubmitQuestion_TruncatesLongAnswers(t *testing.T) {
	backend := &backendStub{answer: strings.Repeat("a", 50)}
	fx := newServiceFixture(t, nil, Dependencies{Backend: backend}, ServiceConfig{AnswerMaxLength: 20})

	resp, err := fx.service.SubmitQuestion(context.Background(), testProfile, question("long"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.Truncated || len([]rune(resp.Answer)) != 20 {
		t.Fatalf("expected a 20 rune truncated answer, got %q truncated=%v", resp.Answer, resp.Truncated)
	}
}

func TestRegisterContact_GrantsOnce(t *testing.T) {
	fx := newServiceFixture(t, nil, Dependencies{}, ServiceConfig{StartingBalance: 7})
	ctx := context.Background()

	account, err := fx.service.RegisterContact(ctx, testProfile)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if account.Balance != 7 {
		t.Fatalf("expected starting grant 7, got %d", account.Balance)
	}

	if _, err := fx.service.AdminDebit(ctx, testProfile.ID, 3); err != nil {
		t.Fatalf("debit: %v", err)
	}
	account, err = fx.service.RegisterContact(ctx, domain.AccountProfile{ID: testProfile.ID, Username: "@renamed_user"})
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if account.Balance != 4 {
		t.Fatalf("expected no second grant, got balance %d", account.Balance)
	}
	if account.Username != "renamed_user" {
		t.Fatalf("expected username refresh, got %q", account.Username)
	}

	if _, err := fx.service.RegisterContact(ctx, domain.AccountProfile{ID: 0}); err == nil {
		t.Fatal("expected error for invalid account id")
	}
}

func TestAccountViews_RefuseBlockedAccounts(t *testing.T) {
	fx := newServiceFixture(t, nil, Dependencies{}, ServiceConfig{PaymentCardNumber: "4441 1144 1990 5094"})
	ctx := context.Background()
	fx.service.RegisterContact(ctx, testProfile)
	if err := fx.service.BlockAccount(ctx, testProfile.ID); err != nil {
		t.Fatalf("block: %v", err)
	}

	if _, err := fx.service.GetAccount(ctx, testProfile.ID); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("expected ErrAccountBlocked from GetAccount, got %v", err)
	}
	if _, err := fx.service.GetBalance(ctx, testProfile.ID); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("expected ErrAccountBlocked from GetBalance, got %v", err)
	}
	if _, err := fx.service.TopUpInstructions(ctx, testProfile); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("expected ErrAccountBlocked from TopUpInstructions, got %v", err)
	}
	if account, err := fx.service.FindAccount(ctx, testProfile.ID); err != nil || !account.IsBlocked {
		t.Fatalf("expected operators to still see the blocked account, got %+v err=%v", account, err)
	}
}

func TestTopUpInstructions(t *testing.T) {
	tests := []struct {
		name          string
		profile       domain.AccountProfile
		wantComment   string
		wantKind      string
		wantAutomatic bool
	}{
		{name: "username preferred", profile: domain.AccountProfile{ID: 100200, Username: "john_doe"}, wantComment: "@john_doe", wantKind: "username", wantAutomatic: true},
		{name: "numeric id without username", profile: domain.AccountProfile{ID: 123456789}, wantComment: "123456789", wantKind: "id", wantAutomatic: true},
		{name: "unmatchable username falls back to id", profile: domain.AccountProfile{ID: 123456789, Username: "ab"}, wantComment: "123456789", wantKind: "id", wantAutomatic: true},
		{name: "short id needs manual crediting", profile: domain.AccountProfile{ID: 4242}, wantComment: "4242", wantKind: "id", wantAutomatic: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newServiceFixture(t, nil, Dependencies{}, ServiceConfig{PaymentCardNumber: "4441 1144 1990 5094", MinorUnitsPerCredit: 100})

			instructions, err := fx.service.TopUpInstructions(context.Background(), tt.profile)
			if err != nil {
				t.Fatalf("top-up instructions: %v", err)
			}
			if instructions.PaymentComment != tt.wantComment || instructions.IdentifierKind != tt.wantKind || instructions.AutomaticCredit != tt.wantAutomatic {
				t.Fatalf("unexpected instructions %+v", instructions)
			}
			if instructions.CardNumber != "4441 1144 1990 5094" || instructions.MinorUnitsPerCredit != 100 {
				t.Fatalf("unexpected payment details %+v", instructions)
			}

			payer := domain.ParsePayerIdentifier(instructions.PaymentComment)
			if payer.Valid() != tt.wantAutomatic {
				t.Fatalf("expected comment %q to parse valid=%v", instructions.PaymentComment, tt.wantAutomatic)
			}
		})
	}
}

func TestTopUpInstructions_RequiresCardNumber(t *testing.T) {
	fx := newServiceFixture(t, nil, Dependencies{}, ServiceConfig{})
	if _, err := fx.service.TopUpInstructions(context.Background(), testProfile); !errors.Is(err, ErrTopUpUnavailable) {
		t.Fatalf("expected ErrTopUpUnavailable, got %v", err)
	}
}
