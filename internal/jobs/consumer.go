package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Handler processes one delivery for an event. A non-nil error nacks the
// delivery with requeue, so handlers must be idempotent.
type Handler func(ctx context.Context, body []byte) error

// Consumer binds a durable queue to the jobs exchange and fans deliveries
// out to a fixed worker pool.
type Consumer struct {
	conn     *amqp091.Connection
	exchange string
	queue    string
	workers  int
	logger   zerolog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
}

// NewConsumer connects to the broker. Handlers are registered before Start.
func NewConsumer(url, exchange, queue string, workers int, logger zerolog.Logger) (*Consumer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	if workers < 1 {
		workers = 1
	}
	return &Consumer{
		conn:     conn,
		exchange: exchange,
		queue:    queue,
		workers:  workers,
		logger:   logger,
		handlers: make(map[string]Handler),
	}, nil
}

// Handle registers the handler for one event name.
func (c *Consumer) Handle(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// Start declares the queue, binds every registered event and consumes until
// the context is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", c.exchange, err)
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.queue, err)
	}

	c.mu.Lock()
	events := make([]string, 0, len(c.handlers))
	for event := range c.handlers {
		events = append(events, event)
	}
	c.mu.Unlock()

	for _, event := range events {
		if err := ch.QueueBind(c.queue, event, c.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s: %w", event, err)
		}
	}

	if err := ch.Qos(10, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info().
		Str("queue", c.queue).
		Int("workers", c.workers).
		Strs("events", events).
		Msg("consumer started")

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					c.dispatch(ctx, d)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (c *Consumer) dispatch(ctx context.Context, d amqp091.Delivery) {
	c.mu.Lock()
	handler, ok := c.handlers[d.RoutingKey]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn().Str("event", d.RoutingKey).Msg("no handler registered, dropping")
		d.Nack(false, false)
		return
	}

	// Honor the delay header by sleeping off the remainder. The undo window
	// is short (seconds), so holding a worker is acceptable.
	if until, ok := d.Headers["x-delay-until"].(int64); ok {
		if wait := time.Until(time.UnixMilli(until)); wait > 0 {
			select {
			case <-ctx.Done():
				d.Nack(false, true)
				return
			case <-time.After(wait):
			}
		}
	}

	start := time.Now()
	if err := handler(ctx, d.Body); err != nil {
		c.logger.Error().
			Err(err).
			Str("event", d.RoutingKey).
			Dur("duration", time.Since(start)).
			Msg("job failed")
		d.Nack(false, !d.Redelivered)
		return
	}

	c.logger.Debug().
		Str("event", d.RoutingKey).
		Dur("duration", time.Since(start)).
		Msg("job processed")
	d.Ack(false)
}

// Close closes the broker connection.
func (c *Consumer) Close() error {
	return c.conn.Close()
}
