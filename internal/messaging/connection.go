// Package messaging mirrors room events onto a RabbitMQ topic exchange and
// consumes them back for the notification subscriber.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"roomtab-engine/internal/config"
	"roomtab-engine/internal/logger"
)

// RoutingPattern binds the audit queue to every room event.
const RoutingPattern = "room.#"

const (
	dialAttempts = 5
	heartbeat    = 10 * time.Second
	auditTTL     = 7 * 24 * time.Hour
)

// topology is what every connection declares before use. Declarations are
// idempotent, so publisher and consumer processes both run them.
type topology struct {
	exchange string
	queue    string
}

func (t topology) declare(ch *amqp091.Channel) error {
	if err := ch.ExchangeDeclare(t.exchange, amqp091.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", t.exchange, err)
	}

	args := amqp091.Table{"x-message-ttl": int32(auditTTL / time.Millisecond)}
	if _, err := ch.QueueDeclare(t.queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", t.queue, err)
	}

	if err := ch.QueueBind(t.queue, RoutingPattern, t.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to %s: %w", t.queue, t.exchange, err)
	}
	return nil
}

// Connection holds one AMQP connection and channel and can redial them.
type Connection struct {
	mu      sync.RWMutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	url    string
	name   string
	topo   topology
	logger *logger.Logger
}

// New connects to RabbitMQ and declares the room event topology.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Connection, error) {
	c := &Connection{
		url:    cfg.RabbitMQURL(),
		name:   "roomtab-" + log.Service(),
		topo:   topology{exchange: cfg.RabbitMQ.Exchange, queue: cfg.RabbitMQ.Queue},
		logger: log,
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) dial() (*amqp091.Connection, *amqp091.Channel, error) {
	props := amqp091.NewConnectionProperties()
	props.SetClientConnectionName(c.name)

	conn, err := amqp091.DialConfig(c.url, amqp091.Config{Heartbeat: heartbeat, Properties: props})
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := c.topo.declare(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// connect dials until it succeeds, ctx ends or the attempts run out.
func (c *Connection) connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, ch, err := c.dial()
		if err == nil {
			c.mu.Lock()
			c.conn, c.channel = conn, ch
			c.mu.Unlock()
			c.logger.Info("rabbitmq_connected", "Connected to RabbitMQ", "startup", map[string]interface{}{
				"exchange": c.topo.exchange,
				"queue":    c.topo.queue,
				"attempt":  attempt,
			})
			return nil
		}
		lastErr = err

		if attempt == dialAttempts {
			break
		}
		backoff := time.Duration(attempt) * 2 * time.Second
		c.logger.Error("rabbitmq_connection_failed", fmt.Sprintf("RabbitMQ not reachable, retrying in %v", backoff), "startup", err, map[string]interface{}{
			"attempt": attempt,
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", dialAttempts, lastErr)
}

// Channel returns the current channel.
func (c *Connection) Channel() *amqp091.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channel
}

// Exchange returns the room events exchange name.
func (c *Connection) Exchange() string {
	return c.topo.exchange
}

// Queue returns the audit queue name.
func (c *Connection) Queue() string {
	return c.topo.queue
}

// IsClosed reports whether the connection needs redialing.
func (c *Connection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn == nil || c.conn.IsClosed()
}

// Reconnect drops the current connection and dials again.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.Close()
	return c.connect(ctx)
}

// Close closes the channel and the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err == amqp091.ErrClosed {
		return nil
	}
	return err
}
