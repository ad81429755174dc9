// Package store defines the persistence contract of the room tab engine.
// Writes that must commit together (a state change and its outbox event)
// go through Tx inside Store.InTx.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"roomtab-engine/internal/models"
)

// ErrLeaseLost is returned when a worker tries to finish an event it no
// longer holds the claim on.
var ErrLeaseLost = errors.New("event claim lease lost")

// Tx is the transactional write surface.
type Tx interface {
	// LockSession loads a session and holds a row lock until commit.
	LockSession(ctx context.Context, id uuid.UUID) (*models.OrderSession, error)
	// InsertSession returns a ConflictError when the room already has an
	// active session.
	InsertSession(ctx context.Context, s *models.OrderSession) error
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus, closedAt time.Time) error
	AdjustSessionTotals(ctx context.Context, id uuid.UUID, amount decimal.Decimal, orders int) error

	// InsertOrder inserts the order together with o.Lines.
	InsertOrder(ctx context.Context, o *models.Order) error
	LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	CancelOrder(ctx context.Context, id uuid.UUID) error
	MarkOrdersSettled(ctx context.Context, sessionID uuid.UUID, at time.Time) error

	// AppendEvent inserts an outbox row and fills in its id.
	AppendEvent(ctx context.Context, e *models.DomainEvent) error
}

// Store is the full persistence surface. Methods outside Tx run in their
// own implicit transaction and must not be called from inside InTx.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error

	GetSession(ctx context.Context, id uuid.UUID) (*models.OrderSession, error)
	ActiveSessionForRoom(ctx context.Context, room string) (*models.OrderSession, error)
	SetPOSReference(ctx context.Context, sessionID uuid.UUID, ref string) error
	// ListOrders returns a session's orders, oldest first, with their lines
	// in entry order.
	ListOrders(ctx context.Context, sessionID uuid.UUID) ([]models.Order, error)
	GetLine(ctx context.Context, lineID uuid.UUID) (*models.OrderLine, error)
	// UnmirroredLines returns the live lines of placed orders that are not
	// yet on the session's POS order, oldest order first, in line order.
	UnmirroredLines(ctx context.Context, sessionID uuid.UUID) ([]models.OrderLine, error)
	MarkLineMirrored(ctx context.Context, lineID uuid.UUID) error
	// UpdateLineFulfillment moves a line from one status to another and
	// returns an InvalidStateError if it was no longer in from.
	UpdateLineFulfillment(ctx context.Context, lineID uuid.UUID, from, to models.FulfillmentStatus) error

	// ClaimEvents leases up to limit unprocessed events, oldest first, to
	// workerID. Events whose lease has expired may be claimed again.
	ClaimEvents(ctx context.Context, workerID string, limit int, leaseUntil, now time.Time) ([]models.DomainEvent, error)
	MarkEventProcessed(ctx context.Context, eventID int64, workerID string, deadLettered bool, at time.Time) error
	ReleaseEvent(ctx context.Context, eventID int64, workerID string) error
	RequeueEvent(ctx context.Context, eventID int64) error
	GetEvent(ctx context.Context, id int64) (*models.DomainEvent, error)
	EventsByCorrelation(ctx context.Context, correlationID string) ([]models.DomainEvent, error)
	// AppendStandaloneEvent writes an event with no accompanying state
	// change, such as a system alert.
	AppendStandaloneEvent(ctx context.Context, e *models.DomainEvent) error

	ListEndpoints(ctx context.Context, enabledOnly bool) ([]models.WebhookEndpoint, error)
	// CreateEndpoint returns a ConflictError when max endpoints exist.
	CreateEndpoint(ctx context.Context, e *models.WebhookEndpoint, max int) error
	SetEndpointEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	DeleteEndpoint(ctx context.Context, id uuid.UUID) error
	ListDeliveries(ctx context.Context, eventID int64) ([]models.WebhookDelivery, error)
	RecordDelivery(ctx context.Context, d *models.WebhookDelivery) error

	// DeleteSession removes a session with its orders, lines, events and
	// deliveries. Only test and cleanup tooling call it.
	DeleteSession(ctx context.Context, id uuid.UUID) error
}
