package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/transfa/credit-gateway/internal/domain"
)

func TestAdminCredit_NotifiesAndInvalidatesCache(t *testing.T) {
	fx := newServiceFixture(t, nil, Dependencies{}, ServiceConfig{})
	ctx := context.Background()
	fx.service.RegisterContact(ctx, testProfile)

	if balance, _ := fx.service.GetBalance(ctx, testProfile.ID); balance != 5 {
		t.Fatalf("expected balance 5, got %d", balance)
	}

	balance, err := fx.service.AdminCredit(ctx, testProfile.ID, 10)
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if balance != 15 {
		t.Fatalf("expected balance 15, got %d", balance)
	}
	if cached, _ := fx.service.GetBalance(ctx, testProfile.ID); cached != 15 {
		t.Fatalf("expected refreshed balance 15, got %d", cached)
	}

	fx.service.WaitForNotifications()
	messages := fx.notifier.accountMessages(testProfile.ID)
	if len(messages) != 1 || !strings.Contains(messages[0], "10 credits") {
		t.Fatalf("expected credit notice, got %v", messages)
	}

	account, _ := fx.service.FindAccount(ctx, testProfile.ID)
	if account.TotalPayments != 10 || account.LastPaymentTime == nil {
		t.Fatalf("expected payment stats to be updated, got total %d last %v", account.TotalPayments, account.LastPaymentTime)
	}
}

func TestAdminOperations_Errors(t *testing.T) {
	fx := newServiceFixture(t, nil, Dependencies{}, ServiceConfig{})
	ctx := context.Background()
	fx.service.RegisterContact(ctx, testProfile)

	if _, err := fx.service.AdminCredit(ctx, testProfile.ID, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := fx.service.AdminCredit(ctx, 999999, 1); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := fx.service.AdminDebit(ctx, testProfile.ID, 6); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := fx.service.SetBalance(ctx, testProfile.ID, -1); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}

	if err := fx.service.BlockAccount(ctx, testProfile.ID); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := fx.service.AdminCredit(ctx, testProfile.ID, 1); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("expected ErrAccountBlocked on credit, got %v", err)
	}
	if _, err := fx.service.AdminDebit(ctx, testProfile.ID, 1); !errors.Is(err, ErrAccountBlocked) {
		t.Fatalf("expected ErrAccountBlocked on debit, got %v", err)
	}
	if err := fx.service.UnblockAccount(ctx, testProfile.ID); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if _, err := fx.service.AdminDebit(ctx, testProfile.ID, 5); err != nil {
		t.Fatalf("expected debit after unblock, got %v", err)
	}

	fx.service.WaitForNotifications()
	if got := len(fx.notifier.accountMessages(testProfile.ID)); got != 2 {
		t.Fatalf("expected block and unblock notices, got %d", got)
	}
}

func TestFindAccountByUsername_StripsAt(t *testing.T) {
	fx := newServiceFixture(t, nil, Dependencies{}, ServiceConfig{})
	ctx := context.Background()
	fx.service.RegisterContact(ctx, testProfile)

	account, err := fx.service.FindAccountByUsername(ctx, " @John_Doe ")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if account.ID != testProfile.ID {
		t.Fatalf("expected account %d, got %d", testProfile.ID, account.ID)
	}
	if _, err := fx.service.FindAccountByUsername(ctx, "@"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestListAccounts_NormalizesPaging(t *testing.T) {
	fx := newServiceFixture(t, nil, Dependencies{}, ServiceConfig{})
	ctx := context.Background()
	for i := 1; i <= 12; i++ {
		fx.service.RegisterContact(ctx, domain.AccountProfile{ID: int64(100000 + i), Username: fmt.Sprintf("user_%02d", i)})
	}

	tests := []struct {
		name        string
		page        int
		perPage     int
		wantPage    int
		wantPerPage int
		wantLen     int
	}{
		{name: "defaults", page: 0, perPage: 0, wantPage: 1, wantPerPage: 10, wantLen: 10},
		{name: "second page", page: 2, perPage: 10, wantPage: 2, wantPerPage: 10, wantLen: 2},
		{name: "oversized page size", page: 1, perPage: 500, wantPage: 1, wantPerPage: 10, wantLen: 10},
		{name: "past the end", page: 5, perPage: 5, wantPage: 5, wantPerPage: 5, wantLen: 0},
		{name: "offset overflows int", page: math.MaxInt, perPage: 10, wantPage: math.MaxInt, wantPerPage: 10, wantLen: 0},
		{name: "offset just past overflow", page: math.MaxInt/20 + 2, perPage: 20, wantPage: math.MaxInt/20 + 2, wantPerPage: 20, wantLen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := fx.service.ListAccounts(ctx, tt.page, tt.perPage)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if page.Page != tt.wantPage || page.PerPage != tt.wantPerPage {
				t.Fatalf("expected page %d/%d, got %d/%d", tt.wantPage, tt.wantPerPage, page.Page, page.PerPage)
			}
			if len(page.Accounts) != tt.wantLen {
				t.Fatalf("expected %d accounts, got %d", tt.wantLen, len(page.Accounts))
			}
			if page.Total != 12 {
				t.Fatalf("expected total 12, got %d", page.Total)
			}
		})
	}
}
