// Package notification prints the room events mirrored to the broker.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"roomtab-engine/internal/logger"
	"roomtab-engine/internal/messaging"
	"roomtab-engine/internal/models"
	"roomtab-engine/internal/services/delivery"
)

// Subscriber consumes the audit queue and writes one line per event.
type Subscriber struct {
	consumer *messaging.Consumer
	logger   *logger.Logger
	out      io.Writer

	shutdown chan os.Signal
	done     chan bool
}

// NewSubscriber creates a new event subscriber writing to stdout.
func NewSubscriber(consumer *messaging.Consumer, log *logger.Logger) *Subscriber {
	return &Subscriber{
		consumer: consumer,
		logger:   log,
		out:      os.Stdout,
		shutdown: make(chan os.Signal, 1),
		done:     make(chan bool, 1),
	}
}

// WithOutput redirects the printed lines.
func (s *Subscriber) WithOutput(w io.Writer) *Subscriber {
	s.out = w
	return s
}

// Start consumes until the consumer stops or the process is signaled.
func (s *Subscriber) Start(ctx context.Context) error {
	requestID := logger.GenerateRequestID()

	signal.Notify(s.shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(s.shutdown)

	s.logger.Info("service_started", "Event subscriber started", requestID, nil)

	go func() {
		if err := s.consumer.StartConsuming(ctx, s.HandleMessage); err != nil && ctx.Err() == nil {
			s.logger.Error("consumer_failed", "Event consumer failed", requestID, err, nil)
		}
		s.done <- true
	}()

	select {
	case <-s.shutdown:
		s.logger.Info("graceful_shutdown", "Received shutdown signal", requestID, nil)
		return s.consumer.Close()
	case <-s.done:
		return nil
	}
}

// HandleMessage decodes one mirrored event and prints it. Malformed bodies
// are logged and acknowledged; requeueing them would only loop.
func (s *Subscriber) HandleMessage(ctx context.Context, routingKey string, body []byte) error {
	var e models.DomainEvent
	if err := json.Unmarshal(body, &e); err != nil {
		s.logger.Error("message_parsing_failed", "Failed to parse event message", "", err, map[string]interface{}{
			"routing_key": routingKey,
		})
		return nil
	}

	fmt.Fprintln(s.out, Format(e))

	s.logger.Debug("event_received", "Received room event", e.CorrelationID, map[string]interface{}{
		"event_id":    e.ID,
		"event_type":  e.EventType,
		"routing_key": routingKey,
	})
	return nil
}

// Format renders a human-readable line for an event.
func Format(e models.DomainEvent) string {
	v := delivery.Vars(e, "")
	ts := e.CreatedAt.Format("2006-01-02 15:04:05")

	switch e.EventType {
	case models.EventOrderCreated:
		return fmt.Sprintf("[%s] Room %s ordered %s item(s) for %s by %s",
			ts, v["room_number"], v["item_count"], v["total_amount"], orDash(v["submitted_by"]))
	case models.EventOrderCanceled:
		return fmt.Sprintf("[%s] Room %s canceled order %s (%s)",
			ts, v["room_number"], v["order_id"], v["total_amount"])
	case models.EventSessionClosed:
		if v["status"] == string(models.SessionForceClosed) {
			return fmt.Sprintf("[%s] Room %s tab was force-closed at %s",
				ts, v["room_number"], v["total_amount"])
		}
		return fmt.Sprintf("[%s] Room %s tab settled and closed at %s (%s orders)",
			ts, v["room_number"], v["total_amount"], orderCount(e))
	case models.EventInventoryAlert, models.EventSystemAlert:
		return fmt.Sprintf("[%s] %s: %s", ts, e.EventType, v["message"])
	default:
		return fmt.Sprintf("[%s] %s for %s", ts, e.EventType, e.CorrelationID)
	}
}

func orderCount(e models.DomainEvent) string {
	var p models.SessionClosedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return "?"
	}
	return fmt.Sprint(p.OrderCount)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
