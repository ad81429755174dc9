package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"roomtab-engine/internal/logger"
	"roomtab-engine/internal/models"
)

const publishTimeout = 10 * time.Second

// RoutingKey is the routing key of an event type.
func RoutingKey(t models.EventType) string {
	return "room." + string(t)
}

// Publisher mirrors delivered outbox events to the room events exchange.
// Webhooks remain the delivery of record; the broker copy is best effort.
type Publisher struct {
	conn   *Connection
	logger *logger.Logger
}

// NewPublisher creates a publisher on conn.
func NewPublisher(conn *Connection, log *logger.Logger) *Publisher {
	return &Publisher{conn: conn, logger: log}
}

// message builds the AMQP message for e. The body is the event as stored in
// the outbox, so consumers can decode it back into a models.DomainEvent.
func message(e models.DomainEvent, now time.Time) (amqp091.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("failed to marshal event %d: %w", e.ID, err)
	}
	return amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		Timestamp:     now,
		MessageId:     strconv.FormatInt(e.ID, 10),
		CorrelationId: e.CorrelationID,
		Type:          string(e.EventType),
		Headers: amqp091.Table{
			"event_created_at": e.CreatedAt.UTC().Format(time.RFC3339Nano),
			"attempts":         int32(e.Attempts),
		},
		Body: body,
	}, nil
}

// PublishEvent sends e to the exchange under RoutingKey(e.EventType),
// reconnecting first if the broker dropped the connection.
func (p *Publisher) PublishEvent(ctx context.Context, e models.DomainEvent) error {
	if p.conn.IsClosed() {
		if err := p.conn.Reconnect(ctx); err != nil {
			return fmt.Errorf("broker unavailable: %w", err)
		}
	}

	msg, err := message(e, time.Now())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	key := RoutingKey(e.EventType)
	if err := p.conn.Channel().PublishWithContext(ctx, p.conn.Exchange(), key, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish event %d: %w", e.ID, err)
	}

	p.logger.Debug("event_published", fmt.Sprintf("Mirrored %s event %d", e.EventType, e.ID), e.CorrelationID, map[string]interface{}{
		"routing_key": key,
		"bytes":       len(msg.Body),
	})
	return nil
}

// Close closes the underlying connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}
