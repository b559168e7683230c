// Package jobs provides durable job dispatch over RabbitMQ. Events published
// here survive process restarts (persistent delivery on a durable topic
// exchange) and are consumed by the worker with at-least-once semantics, so
// handlers must be idempotent.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Event names dispatched by the core.
const (
	EventMessageCreated        = "conversations.message.created"
	EventEmailEnqueued         = "conversations.email.enqueued"
	EventEmbeddingCreate       = "conversations.embedding.create"
	EventAssigned              = "conversations.assigned"
	EventHumanSupportRequested = "conversations.human-support-requested"
	EventAutoResponseCreate    = "conversations.auto-response.create"
	EventEscalationCreated     = "conversations.escalation.created"
)

// Enqueuer dispatches a named event with a JSON payload, optionally delayed
// until a point in time. Implementations are reliable enough that callers do
// not retry themselves.
type Enqueuer interface {
	Enqueue(ctx context.Context, event string, payload any, opts ...Option) error
}

// Option modifies a single enqueue call.
type Option func(*publishOptions)

type publishOptions struct {
	delayUntil *time.Time
}

// WithDelayUntil holds delivery until the given time (used for the email
// undo window).
func WithDelayUntil(t time.Time) Option {
	return func(o *publishOptions) { o.delayUntil = &t }
}

// Publisher is the AMQP-backed Enqueuer.
type Publisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   zerolog.Logger
}

// NewPublisher connects and declares the durable topic exchange.
func NewPublisher(url, exchange string, logger zerolog.Logger) (*Publisher, error) {
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

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &Publisher{conn: conn, exchange: exchange, logger: logger}, nil
}

// Enqueue publishes one persistent message keyed by the event name.
func (p *Publisher) Enqueue(ctx context.Context, event string, payload any, opts ...Option) error {
	var options publishOptions
	for _, opt := range opts {
		opt(&options)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", event, err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	headers := amqp091.Table{}
	if options.delayUntil != nil {
		delay := time.Until(*options.delayUntil)
		if delay > 0 {
			// The consumer sleeps off the remainder before dispatching, so no
			// broker delay plugin is needed.
			headers["x-delay-until"] = options.delayUntil.UnixMilli()
			headers["x-delay-ms"] = strconv.FormatInt(delay.Milliseconds(), 10)
		}
	}

	err = ch.PublishWithContext(ctx, p.exchange, event, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event, err)
	}

	p.logger.Debug().Str("event", event).Str("exchange", p.exchange).Msg("job enqueued")
	return nil
}

// Close closes the broker connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}

// NopEnqueuer drops all events. Used when AMQP is not configured and in
// tests that do not assert on dispatch.
type NopEnqueuer struct{}

func (NopEnqueuer) Enqueue(context.Context, string, any, ...Option) error { return nil }
