// Package events announces session outcomes on a RabbitMQ topic exchange.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dvloznov/statement-insights/internal/domain"
	"github.com/dvloznov/statement-insights/internal/logger"
	"github.com/dvloznov/statement-insights/internal/pipeline"
)

// Routing keys, one per terminal session status.
const (
	RoutingKeyCompleted = "session.completed"
	RoutingKeyFailed    = "session.failed"
)

// RoutingKey returns the routing key for a session status.
func RoutingKey(status domain.SessionStatus) string {
	if status == domain.SessionCompleted {
		return RoutingKeyCompleted
	}
	return RoutingKeyFailed
}

// RabbitMQPublisher publishes session events as persistent JSON messages.
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	exchange string

	// amqp channels are not safe for concurrent publishing.
	mu      sync.Mutex
	channel *amqp.Channel
}

// NewRabbitMQPublisher dials url and declares a durable topic exchange.
func NewRabbitMQPublisher(url, exchange string) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &RabbitMQPublisher{conn: conn, channel: channel, exchange: exchange}, nil
}

// PublishSessionEvent implements pipeline.EventPublisher.
func (p *RabbitMQPublisher) PublishSessionEvent(ctx context.Context, event pipeline.SessionEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}

	key := RoutingKey(event.Status)

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx,
		p.exchange, // exchange
		key,        // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.SessionID,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("routing_key", key).
		Str("session_id", event.SessionID).
		Msg("Published session event")
	return nil
}

// Close closes the channel and the connection.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			log := logger.New()
			log.Warn().Err(err).Msg("Error closing RabbitMQ channel")
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

var _ pipeline.EventPublisher = (*RabbitMQPublisher)(nil)
