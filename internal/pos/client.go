// Package pos mirrors room tabs into a third-party point-of-sale system.
// The POS is the record of payment; the engine only creates hosted orders,
// adds lines, settles in cash and voids.
package pos

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Line is one item added to a hosted POS order.
type Line struct {
	// UID identifies the line on the hosted order; a repeated uid is
	// ignored.
	UID                  string          `json:"uid"`
	CatalogItemReference string          `json:"catalog_object_id"`
	Name                 string          `json:"name"`
	Quantity             int             `json:"quantity"`
	UnitPrice            decimal.Decimal `json:"unit_price"`
	Note                 string          `json:"note,omitempty"`
}

// CatalogItem is the POS view of a catalog entry.
type CatalogItem struct {
	Ref   string
	Name  string
	Price decimal.Decimal
}

// Payment is a POS-side transaction record.
type Payment struct {
	ID        string
	OrderRef  string
	Amount    decimal.Decimal
	Status    string
	CreatedAt time.Time
}

// Client is the POS API surface the engine depends on. Implementations
// return *models.RemoteError for failures of the remote system.
type Client interface {
	// CreateOrGetOrder returns the hosted order for idempotencyKey,
	// creating it on first use.
	CreateOrGetOrder(ctx context.Context, idempotencyKey, roomNumber string) (string, error)
	AddLine(ctx context.Context, orderRef string, line Line) error
	// Settle records a cash payment and returns its reference.
	Settle(ctx context.Context, orderRef string, amount decimal.Decimal, idempotencyKey string) (string, error)
	// Cancel voids a hosted order. Later settlement is rejected.
	Cancel(ctx context.Context, orderRef string) error
	GetCatalogItem(ctx context.Context, ref string) (CatalogItem, error)
	ListPayments(ctx context.Context, orderRef string) ([]Payment, error)
}
