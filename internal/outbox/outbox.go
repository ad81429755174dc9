// Package outbox records domain events in the same transaction as the state
// change that produced them, and hands them out to delivery workers under a
// lease.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"roomtab-engine/internal/models"
	"roomtab-engine/internal/store"
)

// Outbox wraps the event half of the store.
type Outbox struct {
	store store.Store
	lease time.Duration
	now   func() time.Time
}

// New creates an outbox. lease bounds how long a claimed event stays
// invisible to other workers.
func New(s store.Store, lease time.Duration) *Outbox {
	return &Outbox{store: s, lease: lease, now: time.Now}
}

// WithClock replaces the time source.
func (o *Outbox) WithClock(now func() time.Time) *Outbox {
	o.now = now
	return o
}

// Append writes an event inside tx. It becomes visible to workers only when
// the surrounding transaction commits.
func (o *Outbox) Append(ctx context.Context, tx store.Tx, correlationID string, eventType models.EventType, payload interface{}) (*models.DomainEvent, error) {
	e, err := o.event(correlationID, eventType, payload)
	if err != nil {
		return nil, err
	}
	if err := tx.AppendEvent(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// AppendStandalone writes an event that has no accompanying state change,
// such as an operator alert.
func (o *Outbox) AppendStandalone(ctx context.Context, correlationID string, eventType models.EventType, payload interface{}) (*models.DomainEvent, error) {
	e, err := o.event(correlationID, eventType, payload)
	if err != nil {
		return nil, err
	}
	if err := o.store.AppendStandaloneEvent(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (o *Outbox) event(correlationID string, eventType models.EventType, payload interface{}) (*models.DomainEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &models.DomainEvent{
		CorrelationID: correlationID,
		EventType:     eventType,
		Payload:       data,
		CreatedAt:     o.now(),
	}, nil
}

// ClaimBatch leases up to limit of the oldest pending events to workerID.
func (o *Outbox) ClaimBatch(ctx context.Context, workerID string, limit int) ([]models.DomainEvent, error) {
	now := o.now()
	return o.store.ClaimEvents(ctx, workerID, limit, now.Add(o.lease), now)
}

// MarkProcessed finishes an event. It is never handed out again unless an
// operator requeues it.
func (o *Outbox) MarkProcessed(ctx context.Context, eventID int64, workerID string) error {
	return o.store.MarkEventProcessed(ctx, eventID, workerID, false, o.now())
}

// DeadLetter finishes an event that exhausted its retry budget on at least
// one endpoint.
func (o *Outbox) DeadLetter(ctx context.Context, eventID int64, workerID string) error {
	return o.store.MarkEventProcessed(ctx, eventID, workerID, true, o.now())
}

// Release gives an event back so the next run retries it.
func (o *Outbox) Release(ctx context.Context, eventID int64, workerID string) error {
	return o.store.ReleaseEvent(ctx, eventID, workerID)
}

// Requeue makes a finished event deliverable again and resets its failed
// endpoint deliveries.
func (o *Outbox) Requeue(ctx context.Context, eventID int64) error {
	return o.store.RequeueEvent(ctx, eventID)
}
