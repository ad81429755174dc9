// Package delivery drains the outbox to the configured webhook endpoints.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"roomtab-engine/internal/config"
	"roomtab-engine/internal/logger"
	"roomtab-engine/internal/models"
	"roomtab-engine/internal/outbox"
	"roomtab-engine/internal/store"
)

// Publisher mirrors finished events to the message broker.
type Publisher interface {
	PublishEvent(ctx context.Context, e models.DomainEvent) error
}

// DeliveryStore is the per-endpoint delivery state.
type DeliveryStore interface {
	ListDeliveries(ctx context.Context, eventID int64) ([]models.WebhookDelivery, error)
	RecordDelivery(ctx context.Context, d *models.WebhookDelivery) error
}

// Stats summarizes one run.
type Stats struct {
	Claimed      int  `json:"claimed"`
	Processed    int  `json:"processed"`
	DeadLettered int  `json:"dead_lettered"`
	Released     int  `json:"released"`
	Delivered    int  `json:"delivered"`
	Failed       int  `json:"failed"`
	Skipped      bool `json:"skipped"`
}

// Worker runs delivery batches. Runs of different workers may overlap; the
// claim lease keeps them off each other's events.
type Worker struct {
	id         string
	outbox     *outbox.Outbox
	deliveries DeliveryStore
	endpoints  *EndpointCache
	templates  func() config.TemplateSet
	sender     Sender
	publisher  Publisher
	logger     *logger.Logger

	batchLimit  int
	maxAttempts int
	now         func() time.Time
}

// NewWorker creates a delivery worker. publisher may be nil.
func NewWorker(cfg config.DeliveryConfig, ob *outbox.Outbox, deliveries DeliveryStore, endpoints *EndpointCache,
	templates func() config.TemplateSet, sender Sender, publisher Publisher, log *logger.Logger) *Worker {

	hostname, _ := os.Hostname()
	return &Worker{
		id:          fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		outbox:      ob,
		deliveries:  deliveries,
		endpoints:   endpoints,
		templates:   templates,
		sender:      sender,
		publisher:   publisher,
		logger:      log,
		batchLimit:  cfg.BatchLimit,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
	}
}

// ID returns the worker id written to claimed rows.
func (w *Worker) ID() string {
	return w.id
}

// RunOnce processes one batch. It only returns an error when the outbox or
// the endpoint set cannot be read; endpoint failures are recorded and
// logged.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	requestID := logger.GenerateRequestID()
	var stats Stats

	endpoints, err := w.endpoints.Enabled(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to load webhook endpoints: %w", err)
	}
	if len(endpoints) == 0 {
		stats.Skipped = true
		w.logger.Info("delivery_skipped", "No enabled webhook endpoints, leaving events pending", requestID, nil)
		return stats, nil
	}

	events, err := w.outbox.ClaimBatch(ctx, w.id, w.batchLimit)
	if err != nil {
		return stats, fmt.Errorf("failed to claim events: %w", err)
	}
	stats.Claimed = len(events)
	if len(events) == 0 {
		w.logger.Debug("delivery_idle", "Nothing to deliver", requestID, nil)
		return stats, nil
	}

	templates := w.templates()
	for _, e := range events {
		w.processEvent(ctx, e, endpoints, templates, &stats, requestID)
	}

	w.logger.Info("delivery_batch_completed", fmt.Sprintf("Delivered batch of %d events", stats.Claimed), requestID, map[string]interface{}{
		"worker_id":     w.id,
		"claimed":       stats.Claimed,
		"processed":     stats.Processed,
		"dead_lettered": stats.DeadLettered,
		"released":      stats.Released,
		"delivered":     stats.Delivered,
		"failed":        stats.Failed,
	})
	return stats, nil
}

type outcome struct {
	status    models.DeliveryStatus
	delivered bool
	failed    bool
}

// processEvent fans one event out to every endpoint that still needs it and
// then either finishes the event or gives it back for the next run.
func (w *Worker) processEvent(ctx context.Context, e models.DomainEvent, endpoints []models.WebhookEndpoint,
	templates config.TemplateSet, stats *Stats, requestID string) {

	previous, err := w.deliveries.ListDeliveries(ctx, e.ID)
	if err != nil {
		w.logger.Error("delivery_state_failed", "Failed to load delivery state", requestID, err, map[string]interface{}{
			"event_id": e.ID,
		})
		w.release(ctx, e, stats, requestID)
		return
	}
	byEndpoint := make(map[uuid.UUID]models.WebhookDelivery, len(previous))
	for _, d := range previous {
		byEndpoint[d.EndpointID] = d
	}

	outcomes := make([]outcome, len(endpoints))
	var g errgroup.Group
	for i, ep := range endpoints {
		prev, seen := byEndpoint[ep.ID]
		if seen && prev.Status.IsTerminal() {
			outcomes[i] = outcome{status: prev.Status}
			continue
		}
		i, ep := i, ep
		g.Go(func() error {
			o, err := w.deliver(ctx, e, ep, prev, templates, requestID)
			outcomes[i] = o
			return err
		})
	}
	if err := g.Wait(); err != nil {
		w.logger.Error("delivery_record_failed", "Failed to record delivery outcome", requestID, err, map[string]interface{}{
			"event_id": e.ID,
		})
		w.release(ctx, e, stats, requestID)
		return
	}

	done, dead := true, false
	for _, o := range outcomes {
		if o.delivered {
			stats.Delivered++
		}
		if o.failed {
			stats.Failed++
		}
		switch o.status {
		case models.DeliveryDelivered:
		case models.DeliveryDead:
			dead = true
		default:
			done = false
		}
	}

	if !done {
		w.release(ctx, e, stats, requestID)
		return
	}

	if dead {
		err = w.outbox.DeadLetter(ctx, e.ID, w.id)
	} else {
		err = w.outbox.MarkProcessed(ctx, e.ID, w.id)
	}
	if err != nil {
		w.logger.Error("event_finish_failed", "Failed to mark event processed", requestID, err, map[string]interface{}{
			"event_id":   e.ID,
			"lease_lost": errors.Is(err, store.ErrLeaseLost),
		})
		return
	}

	stats.Processed++
	if dead {
		stats.DeadLettered++
		w.logger.Error("event_dead_lettered", "Event exhausted its retry budget on at least one endpoint", requestID, nil, map[string]interface{}{
			"event_id":       e.ID,
			"event_type":     e.EventType,
			"correlation_id": e.CorrelationID,
		})
	}
	w.publish(ctx, e, requestID)
}

// deliver attempts one endpoint and records the result. Only a failure to
// record is returned.
func (w *Worker) deliver(ctx context.Context, e models.DomainEvent, ep models.WebhookEndpoint, prev models.WebhookDelivery,
	templates config.TemplateSet, requestID string) (outcome, error) {

	tmpl, ok := templates.For(ep.Name, string(e.EventType))
	if !ok {
		tmpl = DefaultTemplate
	}
	msg := Render(tmpl, Vars(e, ep.Name))

	start := w.now()
	sendErr := w.sender.Send(ctx, ep.URL, msg)

	d := &models.WebhookDelivery{
		EventID:    e.ID,
		EndpointID: ep.ID,
		Attempts:   prev.Attempts + 1,
		UpdatedAt:  w.now(),
	}

	var o outcome
	if sendErr == nil {
		d.Status = models.DeliveryDelivered
		o = outcome{status: d.Status, delivered: true}
		w.logger.Debug("webhook_delivered", fmt.Sprintf("Delivered event %d to %s", e.ID, ep.Name), requestID, map[string]interface{}{
			"event_id":    e.ID,
			"endpoint":    ep.Name,
			"duration_ms": w.now().Sub(start).Milliseconds(),
		})
	} else {
		msg := sendErr.Error()
		d.LastError = &msg
		var remote *models.RemoteError
		if errors.As(sendErr, &remote) && remote.StatusCode != 0 {
			code := remote.StatusCode
			d.LastStatusCode = &code
		}
		d.Status = models.DeliveryFailed
		if d.Attempts >= w.maxAttempts {
			d.Status = models.DeliveryDead
		}
		o = outcome{status: d.Status, failed: true}
		w.logger.Error("webhook_delivery_failed", fmt.Sprintf("Failed to deliver event %d to %s", e.ID, ep.Name), requestID, sendErr, map[string]interface{}{
			"event_id":    e.ID,
			"endpoint":    ep.Name,
			"attempts":    d.Attempts,
			"status":      d.Status,
			"duration_ms": w.now().Sub(start).Milliseconds(),
		})
	}

	if err := w.deliveries.RecordDelivery(ctx, d); err != nil {
		return o, fmt.Errorf("failed to record delivery of event %d to %s: %w", e.ID, ep.Name, err)
	}
	return o, nil
}

func (w *Worker) release(ctx context.Context, e models.DomainEvent, stats *Stats, requestID string) {
	if err := w.outbox.Release(ctx, e.ID, w.id); err != nil {
		w.logger.Error("event_release_failed", "Failed to release event", requestID, err, map[string]interface{}{
			"event_id": e.ID,
		})
		return
	}
	stats.Released++
}

func (w *Worker) publish(ctx context.Context, e models.DomainEvent, requestID string) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.PublishEvent(ctx, e); err != nil {
		w.logger.Error("event_publish_failed", "Failed to mirror event to broker", requestID, err, map[string]interface{}{
			"event_id": e.ID,
		})
	}
}

// Run repeats RunOnce every interval until ctx is canceled or the process
// receives SIGINT or SIGTERM. Meant for local runs; production schedules
// single runs externally.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w.logger.Info("worker_started", fmt.Sprintf("Delivery worker %s started", w.id), "", map[string]interface{}{
		"interval_seconds": interval.Seconds(),
		"batch_limit":      w.batchLimit,
		"max_attempts":     w.maxAttempts,
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("delivery_run_failed", "Delivery run failed", "", err, nil)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("graceful_shutdown", "Delivery worker stopped", "", nil)
			return nil
		case <-ticker.C:
		}
	}
}
