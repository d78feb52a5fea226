package domain

import "time"

// AccountContactEvent is published by the chat transport each time a user interacts with it.
type AccountContactEvent struct {
	EventID    string    `json:"event_id"`
	AccountID  int64     `json:"account_id"`
	Username   string    `json:"username"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NotificationEvent is published for the chat transport to deliver to a user or to the operator channel.
type NotificationEvent struct {
	EventID   string    `json:"event_id"`
	Audience  string    `json:"audience"`
	AccountID int64     `json:"account_id,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	NotificationAudienceAccount  = "account"
	NotificationAudienceOperator = "operator"
)
