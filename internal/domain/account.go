/**
 * @description
 * This file defines the core domain models for the credit-gateway.
 * An Account is the metering record for one end user: a prepaid balance of
 * request credits plus lifetime usage and payment counters.
 *
 * @notes
 * - Account ids are externally assigned by the chat transport and are stable.
 * - Credits are whole integers; one credit buys one answered question.
 */

package domain

import "time"

// Account maps directly to the `accounts` table in the database.
type Account struct {
	ID              int64      `json:"id"`
	Username        string     `json:"username,omitempty"`
	Balance         int64      `json:"balance"`
	UsedRequests    int64      `json:"used_requests"`
	TotalPayments   int64      `json:"total_payments"`
	IsBlocked       bool       `json:"is_blocked"`
	LastActive      time.Time  `json:"last_active"`
	LastPaymentTime *time.Time `json:"last_payment_time,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// AccountProfile carries the identity details seen on first contact or refreshed on later contacts.
type AccountProfile struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// AccountPage is one page of the administrative account listing.
type AccountPage struct {
	Accounts []Account `json:"accounts"`
	Page     int       `json:"page"`
	PerPage  int       `json:"per_page"`
	Total    int64     `json:"total"`
}

// BalanceResponse is returned by the balance endpoint.
type BalanceResponse struct {
	AccountID int64 `json:"account_id"`
	Balance   int64 `json:"balance"`
}

// TopUpInstructions tells an account how to pay so that the payment is credited automatically.
type TopUpInstructions struct {
	CardNumber          string `json:"card_number"`
	PaymentComment      string `json:"payment_comment"`
	IdentifierKind      string `json:"identifier_kind"`
	AutomaticCredit     bool   `json:"automatic_credit"`
	MinorUnitsPerCredit int64  `json:"minor_units_per_credit"`
}

// QuestionRequest is the DTO for a paid question submission.
type QuestionRequest struct {
	Service  string `json:"service"`
	Question string `json:"question"`
}

// QuestionResponse is returned after an answered (and charged) question.
type QuestionResponse struct {
	RequestID string `json:"request_id"`
	Service   string `json:"service"`
	Answer    string `json:"answer"`
	Balance   int64  `json:"balance"`
	Truncated bool   `json:"truncated,omitempty"`
}

// BalanceAdjustmentRequest is the DTO for administrative credit, debit and set-balance calls.
type BalanceAdjustmentRequest struct {
	Amount int64 `json:"amount"`
}
