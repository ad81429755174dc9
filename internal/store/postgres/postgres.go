// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"roomtab-engine/internal/database"
	"roomtab-engine/internal/models"
	"roomtab-engine/internal/store"
)

const (
	uniqueViolation     = "23505"
	activeRoomIndexName = "order_sessions_one_active_per_room"
)

// Store is the PostgreSQL store.
type Store struct {
	db *database.DB
}

var _ store.Store = (*Store)(nil)

// New wraps an open database.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// InTx runs fn inside a transaction and commits when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func scanSession(row rowScanner) (*models.OrderSession, error) {
	var sess models.OrderSession
	err := row.Scan(
		&sess.ID,
		&sess.RoomNumber,
		&sess.Status,
		&sess.OpenedAt,
		&sess.ClosedAt,
		&sess.POSOrderReference,
		&sess.TotalAmount,
		&sess.OrderCount,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	err := row.Scan(
		&o.ID,
		&o.SessionID,
		&o.RoomNumber,
		&o.SubmittedBy,
		&o.Status,
		&o.TotalAmount,
		&o.SubmittedAt,
		&o.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func scanLine(row rowScanner) (*models.OrderLine, error) {
	var l models.OrderLine
	err := row.Scan(
		&l.ID,
		&l.OrderID,
		&l.SessionID,
		&l.CatalogItemReference,
		&l.ItemName,
		&l.UnitPrice,
		&l.Quantity,
		&l.Subtotal,
		&l.Note,
		&l.FulfillmentStatus,
		&l.Position,
		&l.POSMirrored,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func scanEvent(row rowScanner) (*models.DomainEvent, error) {
	var e models.DomainEvent
	err := row.Scan(
		&e.ID,
		&e.CorrelationID,
		&e.EventType,
		&e.Payload,
		&e.CreatedAt,
		&e.Processed,
		&e.ProcessedAt,
		&e.ClaimedBy,
		&e.ClaimExpiresAt,
		&e.Attempts,
		&e.DeadLettered,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEvents(rows pgx.Rows) ([]models.DomainEvent, error) {
	defer rows.Close()
	var events []models.DomainEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NotFoundError{Entity: entity, ID: id}
	}
	return err
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*models.OrderSession, error) {
	sess, err := scanSession(s.db.QueryRow(ctx, database.GetSessionSQL, id))
	if err != nil {
		return nil, notFound(err, "session", id.String())
	}
	return sess, nil
}

// ActiveSessionForRoom returns the room's active session or NotFoundError.
func (s *Store) ActiveSessionForRoom(ctx context.Context, room string) (*models.OrderSession, error) {
	sess, err := scanSession(s.db.QueryRow(ctx, database.GetActiveSessionForRoomSQL, room))
	if err != nil {
		return nil, notFound(err, "active session for room", room)
	}
	return sess, nil
}

// SetPOSReference stores the POS order reference once. Setting a different
// reference on a session that already has one is a ConflictError.
func (s *Store) SetPOSReference(ctx context.Context, sessionID uuid.UUID, ref string) error {
	tag, err := s.db.Exec(ctx, database.SetPOSReferenceSQL, sessionID, ref)
	if err != nil {
		return fmt.Errorf("failed to set pos reference: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return models.ConflictError{Message: fmt.Sprintf("session %s already mirrors a different pos order", sessionID)}
	}
	return nil
}

// ListOrders returns a session's orders with their lines.
func (s *Store) ListOrders(ctx context.Context, sessionID uuid.UUID) ([]models.Order, error) {
	rows, err := s.db.Query(ctx, database.ListOrdersSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	var orders []models.Order
	index := map[uuid.UUID]int{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		index[o.ID] = len(orders)
		orders = append(orders, *o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orders: %w", err)
	}

	lineRows, err := s.db.Query(ctx, database.ListSessionLinesSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order lines: %w", err)
	}
	defer lineRows.Close()
	for lineRows.Next() {
		l, err := scanLine(lineRows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		if i, ok := index[l.OrderID]; ok {
			orders[i].Lines = append(orders[i].Lines, *l)
		}
	}
	if err := lineRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate order lines: %w", err)
	}
	return orders, nil
}

// GetLine loads one order line.
func (s *Store) GetLine(ctx context.Context, lineID uuid.UUID) (*models.OrderLine, error) {
	l, err := scanLine(s.db.QueryRow(ctx, database.GetLineSQL, lineID))
	if err != nil {
		return nil, notFound(err, "order line", lineID.String())
	}
	return l, nil
}

// UnmirroredLines lists lines of placed orders not yet on the POS order.
func (s *Store) UnmirroredLines(ctx context.Context, sessionID uuid.UUID) ([]models.OrderLine, error) {
	rows, err := s.db.Query(ctx, database.UnmirroredLinesSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unmirrored lines: %w", err)
	}
	defer rows.Close()

	var lines []models.OrderLine
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order line: %w", err)
		}
		lines = append(lines, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unmirrored lines: %w", err)
	}
	return lines, nil
}

// MarkLineMirrored flags a line as added to the POS order.
func (s *Store) MarkLineMirrored(ctx context.Context, lineID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, database.MarkLineMirroredSQL, lineID)
	if err != nil {
		return fmt.Errorf("failed to mark line mirrored: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NotFoundError{Entity: "order line", ID: lineID.String()}
	}
	return nil
}

// UpdateLineFulfillment performs a compare-and-set on the line status.
func (s *Store) UpdateLineFulfillment(ctx context.Context, lineID uuid.UUID, from, to models.FulfillmentStatus) error {
	tag, err := s.db.Exec(ctx, database.UpdateLineFulfillmentSQL, lineID, from, to)
	if err != nil {
		return fmt.Errorf("failed to update line fulfillment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.InvalidStateError{Entity: "order line", ID: lineID.String(), State: string(from), Message: "status changed concurrently"}
	}
	return nil
}

// ClaimEvents leases the oldest unprocessed events to workerID.
func (s *Store) ClaimEvents(ctx context.Context, workerID string, limit int, leaseUntil, now time.Time) ([]models.DomainEvent, error) {
	rows, err := s.db.Query(ctx, database.ClaimEventsSQL, workerID, leaseUntil, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim events: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

// MarkEventProcessed finishes an event held by workerID.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID int64, workerID string, deadLettered bool, at time.Time) error {
	tag, err := s.db.Exec(ctx, database.MarkEventProcessedSQL, eventID, workerID, at, deadLettered)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// ReleaseEvent drops workerID's lease so the next run can retry.
func (s *Store) ReleaseEvent(ctx context.Context, eventID int64, workerID string) error {
	tag, err := s.db.Exec(ctx, database.ReleaseEventSQL, eventID, workerID)
	if err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrLeaseLost
	}
	return nil
}

// RequeueEvent makes a processed or dead-lettered event deliverable again.
func (s *Store) RequeueEvent(ctx context.Context, eventID int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, database.RequeueEventSQL, eventID)
	if err != nil {
		return fmt.Errorf("failed to requeue event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NotFoundError{Entity: "event", ID: fmt.Sprint(eventID)}
	}
	if _, err := tx.Exec(ctx, database.RequeueDeliveriesSQL, eventID); err != nil {
		return fmt.Errorf("failed to reset deliveries: %w", err)
	}
	return tx.Commit(ctx)
}

// GetEvent loads one outbox row.
func (s *Store) GetEvent(ctx context.Context, id int64) (*models.DomainEvent, error) {
	e, err := scanEvent(s.db.QueryRow(ctx, database.GetEventSQL, id))
	if err != nil {
		return nil, notFound(err, "event", fmt.Sprint(id))
	}
	return e, nil
}

// EventsByCorrelation lists events for a correlation id, oldest first.
func (s *Store) EventsByCorrelation(ctx context.Context, correlationID string) ([]models.DomainEvent, error) {
	rows, err := s.db.Query(ctx, database.EventsByCorrelationSQL, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return collectEvents(rows)
}

// AppendStandaloneEvent writes an event in its own transaction.
func (s *Store) AppendStandaloneEvent(ctx context.Context, e *models.DomainEvent) error {
	return s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.AppendEvent(ctx, e)
	})
}

// ListEndpoints lists webhook endpoints, oldest first.
func (s *Store) ListEndpoints(ctx context.Context, enabledOnly bool) ([]models.WebhookEndpoint, error) {
	rows, err := s.db.Query(ctx, database.ListEndpointsSQL, enabledOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to query endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []models.WebhookEndpoint
	for rows.Next() {
		var e models.WebhookEndpoint
		if err := rows.Scan(&e.ID, &e.URL, &e.Name, &e.Enabled, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint: %w", err)
		}
		endpoints = append(endpoints, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate endpoints: %w", err)
	}
	return endpoints, nil
}

// CreateEndpoint inserts an endpoint unless max already exist.
func (s *Store) CreateEndpoint(ctx context.Context, e *models.WebhookEndpoint, max int) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, database.LockEndpointsSQL); err != nil {
		return fmt.Errorf("failed to lock endpoints: %w", err)
	}
	var count int
	if err := tx.QueryRow(ctx, database.CountEndpointsSQL).Scan(&count); err != nil {
		return fmt.Errorf("failed to count endpoints: %w", err)
	}
	if count >= max {
		return models.ConflictError{Message: fmt.Sprintf("at most %d webhook endpoints may be configured", max)}
	}
	if _, err := tx.Exec(ctx, database.InsertEndpointSQL, e.ID, e.URL, e.Name, e.Enabled, e.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert endpoint: %w", err)
	}
	return tx.Commit(ctx)
}

// SetEndpointEnabled toggles an endpoint.
func (s *Store) SetEndpointEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := s.db.Exec(ctx, database.SetEndpointEnabledSQL, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to update endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NotFoundError{Entity: "endpoint", ID: id.String()}
	}
	return nil
}

// DeleteEndpoint removes an endpoint and its delivery rows.
func (s *Store) DeleteEndpoint(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, database.DeleteEndpointSQL, id)
	if err != nil {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NotFoundError{Entity: "endpoint", ID: id.String()}
	}
	return nil
}

// ListDeliveries returns the per-endpoint state of one event.
func (s *Store) ListDeliveries(ctx context.Context, eventID int64) ([]models.WebhookDelivery, error) {
	rows, err := s.db.Query(ctx, database.ListDeliveriesSQL, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []models.WebhookDelivery
	for rows.Next() {
		var d models.WebhookDelivery
		if err := rows.Scan(&d.EventID, &d.EndpointID, &d.Status, &d.Attempts, &d.LastError, &d.LastStatusCode, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deliveries: %w", err)
	}
	return deliveries, nil
}

// RecordDelivery upserts the per-endpoint state of one event.
func (s *Store) RecordDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	_, err := s.db.Exec(ctx, database.UpsertDeliverySQL,
		d.EventID, d.EndpointID, d.Status, d.Attempts, d.LastError, d.LastStatusCode, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

// DeleteSession removes everything created for a session.
func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, q := range []string{
		database.DeleteEventsByCorrelationSQL,
		database.DeleteSessionLinesSQL,
		database.DeleteSessionOrdersSQL,
	} {
		var arg interface{} = id
		if q == database.DeleteEventsByCorrelationSQL {
			arg = id.String()
		}
		if _, err := tx.Exec(ctx, q, arg); err != nil {
			return fmt.Errorf("failed to delete session data: %w", err)
		}
	}
	tag, err := tx.Exec(ctx, database.DeleteSessionSQL, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.NotFoundError{Entity: "session", ID: id.String()}
	}
	return tx.Commit(ctx)
}

// pgTx implements store.Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockSession(ctx context.Context, id uuid.UUID) (*models.OrderSession, error) {
	sess, err := scanSession(t.tx.QueryRow(ctx, database.LockSessionSQL, id))
	if err != nil {
		return nil, notFound(err, "session", id.String())
	}
	return sess, nil
}

func (t *pgTx) InsertSession(ctx context.Context, sess *models.OrderSession) error {
	_, err := t.tx.Exec(ctx, database.InsertSessionSQL, sess.ID, sess.RoomNumber, sess.Status, sess.OpenedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == activeRoomIndexName {
			return models.ConflictError{Message: fmt.Sprintf("room %s already has an active session", sess.RoomNumber)}
		}
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus, closedAt time.Time) error {
	tag, err := t.tx.Exec(ctx, database.UpdateSessionStatusSQL, id, status, closedAt)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.InvalidStateError{Entity: "session", ID: id.String(), State: "terminal", Message: "session is no longer active"}
	}
	return nil
}

func (t *pgTx) AdjustSessionTotals(ctx context.Context, id uuid.UUID, amount decimal.Decimal, orders int) error {
	if _, err := t.tx.Exec(ctx, database.AdjustSessionTotalsSQL, id, amount, orders); err != nil {
		return fmt.Errorf("failed to adjust session totals: %w", err)
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *models.Order) error {
	_, err := t.tx.Exec(ctx, database.InsertOrderSQL,
		o.ID, o.SessionID, o.RoomNumber, o.SubmittedBy, o.Status, o.TotalAmount, o.SubmittedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	batch := &pgx.Batch{}
	for _, l := range o.Lines {
		batch.Queue(database.InsertOrderLineSQL,
			l.ID, l.OrderID, l.SessionID, l.CatalogItemReference, l.ItemName,
			l.UnitPrice, l.Quantity, l.Subtotal, l.Note, l.FulfillmentStatus, l.Position)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert order lines: %w", err)
	}
	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, database.LockOrderSQL, id))
	if err != nil {
		return nil, notFound(err, "order", id.String())
	}
	return o, nil
}

func (t *pgTx) CancelOrder(ctx context.Context, id uuid.UUID) error {
	tag, err := t.tx.Exec(ctx, database.CancelOrderSQL, id)
	if err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.InvalidStateError{Entity: "order", ID: id.String(), State: string(models.OrderCanceled), Message: "order is already canceled"}
	}
	if _, err := t.tx.Exec(ctx, database.CancelOrderLinesSQL, id); err != nil {
		return fmt.Errorf("failed to cancel order lines: %w", err)
	}
	return nil
}

func (t *pgTx) MarkOrdersSettled(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	if _, err := t.tx.Exec(ctx, database.MarkOrdersSettledSQL, sessionID, at); err != nil {
		return fmt.Errorf("failed to mark orders settled: %w", err)
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, e *models.DomainEvent) error {
	err := t.tx.QueryRow(ctx, database.InsertEventSQL, e.CorrelationID, e.EventType, e.Payload, e.CreatedAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}
