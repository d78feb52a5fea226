package app

import (
	"errors"
	"fmt"

	"github.com/transfa/credit-gateway/internal/store"
)

var (
	ErrAlreadyInFlight     = errors.New("previous request is still processing")
	ErrInsufficientBalance = store.ErrInsufficientBalance
	ErrBalanceChanged      = errors.New("balance changed while the request was processing")
	ErrAccountBlocked      = errors.New("account is blocked")
	ErrAccountNotFound     = store.ErrAccountNotFound
	ErrBackendFailure      = errors.New("answering backend failed")
	ErrStoreFailure        = errors.New("balance store failure")
	ErrInvalidQuestion     = errors.New("invalid question")
	ErrUnknownService      = errors.New("unknown service")
	ErrInvalidAmount       = store.ErrInvalidAmount
	ErrTopUpUnavailable    = errors.New("top-up is not configured")
)

// RateLimitError is returned when a limiter denies admission.
type RateLimitError struct {
	Scope             string
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s; retry after %ds", e.Scope, e.RetryAfterSeconds)
}

// IsRateLimited reports whether err carries a RateLimitError.
func IsRateLimited(err error) (*RateLimitError, bool) {
	var rlErr *RateLimitError
	if errors.As(err, &rlErr) {
		return rlErr, true
	}
	return nil, false
}

func storeFailure(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreFailure, op, err)
}
