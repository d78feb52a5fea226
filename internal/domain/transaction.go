package domain

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Transaction is one incoming statement line observed on the bank feed.
// Amounts are in minor currency units.
type Transaction struct {
	ID           string    `json:"id"`
	Amount       int64     `json:"amount"`
	Time         time.Time `json:"time"`
	Comment      string    `json:"comment"`
	Description  string    `json:"description"`
	Counterparty string    `json:"counterparty"`
}

// CreditedPayment is the ledger row written when a feed transaction is converted into credits.
type CreditedPayment struct {
	TransactionID string    `json:"transaction_id"`
	AccountID     int64     `json:"account_id"`
	AmountMinor   int64     `json:"amount_minor"`
	Credits       int64     `json:"credits"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// PayerIdentifierKind tags the variant held by a PayerIdentifier.
type PayerIdentifierKind int

const (
	PayerUnmatched PayerIdentifierKind = iota
	PayerUsername
	PayerAccountID
)

func (k PayerIdentifierKind) String() string {
	switch k {
	case PayerUsername:
		return "username"
	case PayerAccountID:
		return "id"
	default:
		return "unmatched"
	}
}

// PayerIdentifier is the account reference extracted from a payment comment.
// Only the field matching Kind is meaningful.
type PayerIdentifier struct {
	Kind      PayerIdentifierKind
	Username  string
	AccountID int64
}

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{5,32}$`)
	unmatched       = PayerIdentifier{Kind: PayerUnmatched}
)

const minAccountIDDigits = 6

// ParsePayerIdentifier extracts an account reference from a free-text payment comment.
//
// A comment containing '@' names a username: everything after the last '@'.
// A comment of only digits names an account id. A comment of letters, digits and
// underscores names a username. Anything else that still parses as an integer is an
// account id; the rest is unmatched.
func ParsePayerIdentifier(comment string) PayerIdentifier {
	trimmed := strings.TrimSpace(comment)
	if trimmed == "" {
		return unmatched
	}

	if idx := strings.LastIndex(trimmed, "@"); idx >= 0 {
		return PayerIdentifier{Kind: PayerUsername, Username: strings.TrimSpace(trimmed[idx+1:])}
	}

	if isDigits(trimmed) {
		if id, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return PayerIdentifier{Kind: PayerAccountID, AccountID: id}
		}
		return unmatched
	}

	if isWordChars(trimmed) {
		return PayerIdentifier{Kind: PayerUsername, Username: trimmed}
	}

	if id, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return PayerIdentifier{Kind: PayerAccountID, AccountID: id}
	}
	return unmatched
}

// Valid reports whether the identifier can be used to look up an account.
func (p PayerIdentifier) Valid() bool {
	switch p.Kind {
	case PayerUsername:
		return usernamePattern.MatchString(p.Username)
	case PayerAccountID:
		return p.AccountID > 0 && len(strconv.FormatInt(p.AccountID, 10)) >= minAccountIDDigits
	default:
		return false
	}
}

func (p PayerIdentifier) String() string {
	switch p.Kind {
	case PayerUsername:
		return "@" + p.Username
	case PayerAccountID:
		return strconv.FormatInt(p.AccountID, 10)
	default:
		return "-"
	}
}

// NormalizeUsername strips a leading '@' and surrounding whitespace.
func NormalizeUsername(raw string) string {
	return strings.TrimPrefix(strings.TrimSpace(raw), "@")
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// isWordChars requires at least one non-underscore character.
func isWordChars(s string) bool {
	hasAlnum := false
	for _, r := range s {
		switch {
		case r == '_':
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			hasAlnum = true
		default:
			return false
		}
	}
	return hasAlnum
}
