package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a kind of domain event written to the outbox.
type EventType string

const (
	EventOrderCreated   EventType = "order_created"
	EventOrderCanceled  EventType = "order_canceled"
	EventSessionClosed  EventType = "session_closed"
	EventInventoryAlert EventType = "inventory_alert"
	EventSystemAlert    EventType = "system_alert"
)

// DomainEvent is one outbox row.
type DomainEvent struct {
	ID             int64           `json:"id" db:"id"`
	CorrelationID  string          `json:"correlation_id" db:"correlation_id"`
	EventType      EventType       `json:"event_type" db:"event_type"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	Processed      bool            `json:"processed" db:"processed"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
	ClaimedBy      *string         `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimExpiresAt *time.Time      `json:"claim_expires_at,omitempty" db:"claim_expires_at"`
	Attempts       int             `json:"attempts" db:"attempts"`
	DeadLettered   bool            `json:"dead_lettered" db:"dead_lettered"`
}

// PayloadMap decodes the payload into a generic map for template rendering.
func (e *DomainEvent) PayloadMap() (map[string]interface{}, error) {
	m := map[string]interface{}{}
	if len(e.Payload) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// EventItem is a denormalized line summary carried in event payloads.
type EventItem struct {
	Name     string          `json:"name"`
	Quantity int             `json:"quantity"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

// OrderCreatedPayload carries everything a notification needs without a
// further query.
type OrderCreatedPayload struct {
	SessionID   string          `json:"session_id"`
	OrderID     string          `json:"order_id"`
	RoomNumber  string          `json:"room_number"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []EventItem     `json:"items"`
	SubmittedBy string          `json:"submitted_by,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// OrderCanceledPayload is written when a placed order is canceled.
type OrderCanceledPayload struct {
	SessionID   string          `json:"session_id"`
	OrderID     string          `json:"order_id"`
	RoomNumber  string          `json:"room_number"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// SessionClosedPayload is written on both terminal transitions.
type SessionClosedPayload struct {
	SessionID         string          `json:"session_id"`
	RoomNumber        string          `json:"room_number"`
	Status            SessionStatus   `json:"status"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	OrderCount        int             `json:"order_count"`
	ClosedAt          time.Time       `json:"closed_at"`
	POSOrderReference string          `json:"pos_order_reference,omitempty"`
}

// AlertPayload is used by inventory and system alerts.
type AlertPayload struct {
	Message    string `json:"message"`
	RoomNumber string `json:"room_number,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}
