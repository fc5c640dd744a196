// Package audit emits immutable event records for every committed state
// transition or release. Events are published to a durable RabbitMQ topic
// exchange, fire-and-forget from the core's perspective. Publishers are
// only invoked after the underlying mutation is durably committed.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Exchange is the topic exchange audit events are published to.
const Exchange = "trade_audit"

// Event is one immutable audit record.
type Event struct {
	Type      string         `json:"type"` // e.g. "trade.cancelled"
	EntityID  string         `json:"entity_id"`
	Actor     string         `json:"actor"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher is implemented by types that can emit audit events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Producer publishes events to RabbitMQ. The event type doubles as the
// routing key so consumers can bind per lifecycle stage.
type Producer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// NewProducer connects to RabbitMQ and declares the audit exchange.
func NewProducer(amqpURL string) (*Producer, error) {
	conn, err := amqp091.DialConfig(amqpURL, amqp091.Config{
		Dial: amqp091.DefaultDial(10 * time.Second),
	})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Producer{conn: conn, channel: ch}, nil
}

// Publish sends one event. A transient failure is retried once on a
// fresh channel before being reported.
func (p *Producer) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	msg := amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   ev.Timestamp,
		Body:        body,
	}

	if err := p.channel.PublishWithContext(ctx, Exchange, ev.Type, false, false, msg); err != nil {
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return err
		}
		p.channel = ch
		return p.channel.PublishWithContext(ctx, Exchange, ev.Type, false, false, msg)
	}
	return nil
}

// Close shuts down the channel and connection.
func (p *Producer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// Fallback is a no-op publisher used when RabbitMQ is not configured.
// Events are logged and dropped.
type Fallback struct{}

func (Fallback) Publish(_ context.Context, ev Event) error {
	slog.Warn("audit event dropped (no broker configured)",
		"type", ev.Type, "entity_id", ev.EntityID)
	return nil
}

func (Fallback) Close() {}
