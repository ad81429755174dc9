package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookEndpoint is one outbound receiver.
type WebhookEndpoint struct {
	ID        uuid.UUID `json:"id" db:"id"`
	URL       string    `json:"url" db:"url"`
	Name      string    `json:"name" db:"name"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DeliveryStatus is the per-endpoint state of one event.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryDead      DeliveryStatus = "dead"
)

// IsTerminal reports whether the endpoint needs no further attempt.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryDelivered || s == DeliveryDead
}

// WebhookDelivery records delivery attempts of one event to one endpoint.
type WebhookDelivery struct {
	EventID        int64          `json:"event_id" db:"event_id"`
	EndpointID     uuid.UUID      `json:"endpoint_id" db:"endpoint_id"`
	Status         DeliveryStatus `json:"status" db:"status"`
	Attempts       int            `json:"attempts" db:"attempts"`
	LastError      *string        `json:"last_error,omitempty" db:"last_error"`
	LastStatusCode *int           `json:"last_status_code,omitempty" db:"last_status_code"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// WebhookMessage is the JSON document posted to endpoints.
type WebhookMessage struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []WebhookField `json:"fields"`
	Footer      WebhookFooter  `json:"footer"`
}

// WebhookField is one name/value row of a message.
type WebhookField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// WebhookFooter is the message footer.
type WebhookFooter struct {
	Text string `json:"text"`
}
