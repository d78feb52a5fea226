package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const consumerPrefetch = 16

// Handler processes one delivery body. Returning false re-queues the delivery.
type Handler func(body []byte) bool

// Subscription describes a durable queue bound to a topic exchange, with one handler per
// routing key.
type Subscription struct {
	Exchange string
	Queue    string
	Handlers map[string]Handler
}

func (s Subscription) validate() error {
	if strings.TrimSpace(s.Exchange) == "" || strings.TrimSpace(s.Queue) == "" {
		return errors.New("subscription needs an exchange and a queue")
	}
	for routingKey, handler := range s.Handlers {
		if handler != nil && routingKey != "" {
			return nil
		}
	}
	return errors.New("subscription has no handlers")
}

// acknowledger is the part of amqp.Delivery the dispatcher settles deliveries with.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Consumer reads inbound events such as account contacts from one channel with a bounded
// prefetch, so a slow store cannot pile up unacknowledged deliveries.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

func NewConsumer(amqpURL string, logger *slog.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger.With("component", "rabbitmq_consumer")}, nil
}

// Consume declares the subscription's topology and dispatches deliveries in the background
// until ctx is cancelled or the broker closes the channel.
func (c *Consumer) Consume(ctx context.Context, sub Subscription) error {
	if err := sub.validate(); err != nil {
		return err
	}
	if err := c.ch.ExchangeDeclare(sub.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", sub.Exchange, err)
	}
	q, err := c.ch.QueueDeclare(sub.Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", sub.Queue, err)
	}
	for routingKey, handler := range sub.Handlers {
		if handler == nil {
			continue
		}
		if err := c.ch.QueueBind(q.Name, routingKey, sub.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", routingKey, q.Name, err)
		}
	}

	tag := "credit-gateway-" + q.Name
	deliveries, err := c.ch.Consume(q.Name, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.Name, err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				if err := c.ch.Cancel(tag, false); err != nil {
					c.logger.Warn("consumer cancel failed", "queue", q.Name, "error", err)
				}
				return
			case d, ok := <-deliveries:
				if !ok {
					c.logger.Info("delivery channel closed", "queue", q.Name)
					return
				}
				c.dispatch(sub.Handlers, d.RoutingKey, d.Body, d)
			}
		}
	}()

	c.logger.Info("consuming", "exchange", sub.Exchange, "queue", q.Name, "routing_keys", len(sub.Handlers))
	return nil
}

// dispatch settles one delivery: unknown routing keys are dropped, handler failures are
// re-queued.
func (c *Consumer) dispatch(handlers map[string]Handler, routingKey string, body []byte, acker acknowledger) {
	handler := handlers[routingKey]
	switch {
	case handler == nil:
		c.logger.Warn("no handler for routing key; dropping", "routing_key", routingKey)
		acker.Ack(false)
	case handler(body):
		acker.Ack(false)
	default:
		c.logger.Warn("handler failed; re-queuing", "routing_key", routingKey)
		acker.Nack(false, true)
	}
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
