package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderPlaced   OrderStatus = "placed"
	OrderCanceled OrderStatus = "canceled"
)

// FulfillmentStatus tracks a single line through the kitchen and delivery.
type FulfillmentStatus string

const (
	FulfillmentOrdered   FulfillmentStatus = "ordered"
	FulfillmentReady     FulfillmentStatus = "ready"
	FulfillmentDelivered FulfillmentStatus = "delivered"
	FulfillmentCanceled  FulfillmentStatus = "canceled"
)

// CanAdvanceTo allows ordered -> ready -> delivered. Lines are only
// canceled together with their order.
func (s FulfillmentStatus) CanAdvanceTo(next FulfillmentStatus) bool {
	switch next {
	case FulfillmentReady:
		return s == FulfillmentOrdered
	case FulfillmentDelivered:
		return s == FulfillmentReady
	default:
		return false
	}
}

// Order is one guest or staff submission against a session.
type Order struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	SessionID   uuid.UUID       `json:"session_id" db:"session_id"`
	RoomNumber  string          `json:"room_number" db:"room_number"`
	SubmittedBy *string         `json:"submitted_by,omitempty" db:"submitted_by"`
	Status      OrderStatus     `json:"status" db:"status"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"`
	SubmittedAt time.Time       `json:"submitted_at" db:"submitted_at"`
	SettledAt   *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
	Lines       []OrderLine     `json:"lines,omitempty"`
}

// OrderLine is one catalog item within an order.
type OrderLine struct {
	ID                   uuid.UUID         `json:"id" db:"id"`
	OrderID              uuid.UUID         `json:"order_id" db:"order_id"`
	SessionID            uuid.UUID         `json:"session_id" db:"session_id"`
	CatalogItemReference string            `json:"catalog_item_reference" db:"catalog_item_reference"`
	ItemName             string            `json:"item_name" db:"item_name"`
	UnitPrice            decimal.Decimal   `json:"unit_price" db:"unit_price"`
	Quantity             int               `json:"quantity" db:"quantity"`
	Subtotal             decimal.Decimal   `json:"subtotal" db:"subtotal"`
	Note                 string            `json:"note,omitempty" db:"note"`
	FulfillmentStatus    FulfillmentStatus `json:"fulfillment_status" db:"fulfillment_status"`
	// Position is the line's index within its order.
	Position             int               `json:"position" db:"line_no"`
	// POSMirrored is set once the line is on the hosted POS order.
	POSMirrored          bool              `json:"pos_mirrored" db:"pos_mirrored"`
}

// ComputeSubtotal returns unit_price x quantity.
func (l *OrderLine) ComputeSubtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// LineInput is a line as submitted by a guest or staff member. A zero
// UnitPrice means "use the catalog price".
type LineInput struct {
	CatalogItemReference string          `json:"catalog_item_reference" validate:"required,max=64"`
	UnitPrice            decimal.Decimal `json:"unit_price"`
	Quantity             int             `json:"quantity" validate:"required,min=1,max=99"`
	Note                 string          `json:"note,omitempty" validate:"max=200"`
}

// SumLines adds up line subtotals.
func SumLines(lines []OrderLine) decimal.Decimal {
	total := decimal.Zero
	for i := range lines {
		total = total.Add(lines[i].Subtotal)
	}
	return total
}
