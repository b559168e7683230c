// Package realtime fans conversation lifecycle events out to connected
// dashboard clients through a broker fanout. Events are fire-and-forget:
// clients reconcile through the REST API, so a lost event is not a bug.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Event names emitted on conversation mutations.
const (
	EventConversationUpdated       = "conversation.updated"
	EventConversationStatusChanged = "conversation.statusChanged"
	EventDraftCreated              = "draft.created"
)

// Event is one realtime notification scoped to a mailbox.
type Event struct {
	Name           string         `json:"event"`
	MailboxSlug    string         `json:"mailboxSlug"`
	ConversationID int64          `json:"conversationId"`
	Payload        map[string]any `json:"payload,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Publisher delivers events to dashboard subscribers. Publish never blocks
// on subscriber consumption and its error is advisory: callers log it and
// move on.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// AMQPPublisher broadcasts on a fanout-per-mailbox topic exchange. Routing
// key is "<mailboxSlug>.<event>" so dashboards subscribe with "<slug>.#".
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   zerolog.Logger
}

// NewAMQPPublisher connects and declares the realtime topic exchange.
// Realtime traffic is transient, so the exchange is non-durable.
func NewAMQPPublisher(url, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", false, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &AMQPPublisher{conn: conn, exchange: exchange, logger: logger}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal realtime event: %w", err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	key := event.MailboxSlug + "." + event.Name
	err = ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   event.Timestamp,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish realtime event %s: %w", key, err)
	}

	p.logger.Debug().Str("event", event.Name).Str("mailbox", event.MailboxSlug).Msg("realtime event published")
	return nil
}

// Close closes the broker connection.
func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}

// NopPublisher drops all events. Used when AMQP is not configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
