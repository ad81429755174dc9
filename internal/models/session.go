package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionStatus represents the state of a room tab
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionCompleted   SessionStatus = "completed"
	SessionForceClosed SessionStatus = "force_closed"
)

// IsTerminal reports whether no further transition is possible.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionForceClosed
}

// OrderSession is the running tab of one room between opening and closing.
type OrderSession struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	RoomNumber        string          `json:"room_number" db:"room_number"`
	Status            SessionStatus   `json:"status" db:"status"`
	OpenedAt          time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	POSOrderReference *string         `json:"pos_order_reference,omitempty" db:"pos_order_reference"`
	TotalAmount       decimal.Decimal `json:"total_amount" db:"total_amount"`
	OrderCount        int             `json:"order_count" db:"order_count"`
}

// CanTransitionTo checks the session state machine: only active may move,
// and only to one of the two terminal states.
func (s *OrderSession) CanTransitionTo(next SessionStatus) bool {
	if s.Status != SessionActive {
		return false
	}
	return next.IsTerminal()
}

// TabLine is one line of a tab snapshot.
type TabLine struct {
	LineID               uuid.UUID         `json:"line_id"`
	OrderID              uuid.UUID         `json:"order_id"`
	CatalogItemReference string            `json:"catalog_item_reference"`
	ItemName             string            `json:"item_name"`
	UnitPrice            decimal.Decimal   `json:"unit_price"`
	Quantity             int               `json:"quantity"`
	Subtotal             decimal.Decimal   `json:"subtotal"`
	Note                 string            `json:"note,omitempty"`
	FulfillmentStatus    FulfillmentStatus `json:"fulfillment_status"`
}

// TabSnapshot is the recomputed state of a session's tab.
type TabSnapshot struct {
	SessionID  uuid.UUID       `json:"session_id"`
	RoomNumber string          `json:"room_number"`
	Status     SessionStatus   `json:"status"`
	Lines      []TabLine       `json:"lines"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	OrderCount int             `json:"order_count"`
}
