package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/credit-gateway/internal/domain"
	"github.com/transfa/credit-gateway/pkg/rabbitmq"
)

const (
	routingKeyAccountNotification  = "notification.account"
	routingKeyOperatorNotification = "notification.operator"
)

// Notifier delivers text to a user or to the operator channel.
type Notifier interface {
	NotifyAccount(ctx context.Context, accountID int64, text string) error
	NotifyOperators(ctx context.Context, text string) error
}

// EventNotifier publishes notifications for the chat transport to deliver.
type EventNotifier struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewEventNotifier(publisher rabbitmq.Publisher, exchange string) *EventNotifier {
	return &EventNotifier{publisher: publisher, exchange: exchange}
}

func (n *EventNotifier) NotifyAccount(ctx context.Context, accountID int64, text string) error {
	return n.publisher.Publish(ctx, n.exchange, routingKeyAccountNotification, domain.NotificationEvent{
		EventID:   uuid.NewString(),
		Audience:  domain.NotificationAudienceAccount,
		AccountID: accountID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	})
}

func (n *EventNotifier) NotifyOperators(ctx context.Context, text string) error {
	return n.publisher.Publish(ctx, n.exchange, routingKeyOperatorNotification, domain.NotificationEvent{
		EventID:   uuid.NewString(),
		Audience:  domain.NotificationAudienceOperator,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	})
}

// LogNotifier only logs; used when no message broker is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) NotifyAccount(_ context.Context, accountID int64, text string) error {
	n.logger().Info("account notification", "component", "notifier", "account_id", accountID, "text", text)
	return nil
}

func (n LogNotifier) NotifyOperators(_ context.Context, text string) error {
	n.logger().Info("operator notification", "component", "notifier", "text", text)
	return nil
}

func (n LogNotifier) logger() *slog.Logger {
	if n.Logger == nil {
		return slog.Default()
	}
	return n.Logger
}

// formatMinorUnits renders an amount in minor units as a major-unit decimal string.
func formatMinorUnits(amount int64, minorPerMajor int64) string {
	if minorPerMajor <= 0 {
		minorPerMajor = 100
	}
	return decimal.NewFromInt(amount).Div(decimal.NewFromInt(minorPerMajor)).StringFixed(2)
}
