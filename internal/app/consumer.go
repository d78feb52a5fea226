package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/transfa/credit-gateway/internal/domain"
)

// AccountContactConsumer registers accounts announced by the chat transport.
type AccountContactConsumer struct {
	service *Service
	logger  *slog.Logger
}

func NewAccountContactConsumer(service *Service, logger *slog.Logger) *AccountContactConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountContactConsumer{service: service, logger: logger.With("component", "contact_consumer")}
}

// HandleMessage returns false only when the event should be redelivered.
func (c *AccountContactConsumer) HandleMessage(body []byte) bool {
	var event domain.AccountContactEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal payload", "error", err)
		return true
	}

	if event.AccountID <= 0 {
		c.logger.Warn("missing account id in contact event", "event_id", event.EventID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	profile := domain.AccountProfile{
		ID:       event.AccountID,
		Username: domain.NormalizeUsername(strings.TrimSpace(event.Username)),
	}
	if _, err := c.service.RegisterContact(ctx, profile); err != nil {
		c.logger.Error("processing error for contact event", "event_id", event.EventID, "account_id", event.AccountID, "error", err)
		return false
	}
	return true
}
