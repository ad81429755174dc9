// Package memory is an in-process store.Store used by tests, the
// acceptance suite and local runs without PostgreSQL. Transactions are
// serialized and roll back by restoring a copy of the state.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"roomtab-engine/internal/models"
	"roomtab-engine/internal/store"
)

type deliveryKey struct {
	eventID    int64
	endpointID uuid.UUID
}

type state struct {
	sessions   map[uuid.UUID]models.OrderSession
	orders     map[uuid.UUID]models.Order
	lines      map[uuid.UUID]models.OrderLine
	events     map[int64]models.DomainEvent
	endpoints  map[uuid.UUID]models.WebhookEndpoint
	deliveries map[deliveryKey]models.WebhookDelivery
	nextEvent  int64
}

func newState() *state {
	return &state{
		sessions:   map[uuid.UUID]models.OrderSession{},
		orders:     map[uuid.UUID]models.Order{},
		lines:      map[uuid.UUID]models.OrderLine{},
		events:     map[int64]models.DomainEvent{},
		endpoints:  map[uuid.UUID]models.WebhookEndpoint{},
		deliveries: map[deliveryKey]models.WebhookDelivery{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.lines {
		c.lines[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.endpoints {
		c.endpoints[k] = v
	}
	for k, v := range s.deliveries {
		c.deliveries[k] = v
	}
	c.nextEvent = s.nextEvent
	return c
}

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{st: newState(), now: time.Now}
}

// InTx runs fn with the store locked. If fn fails every change it made is
// discarded. fn must only use tx, never the Store itself.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(ctx, &memTx{st: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*models.OrderSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.st.sessions[id]
	if !ok {
		return nil, models.NotFoundError{Entity: "session", ID: id.String()}
	}
	return &sess, nil
}

func (s *Store) ActiveSessionForRoom(ctx context.Context, room string) (*models.OrderSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.st.activeForRoom(room); ok {
		return &sess, nil
	}
	return nil, models.NotFoundError{Entity: "active session for room", ID: room}
}

func (st *state) activeForRoom(room string) (models.OrderSession, bool) {
	for _, sess := range st.sessions {
		if sess.RoomNumber == room && sess.Status == models.SessionActive {
			return sess, true
		}
	}
	return models.OrderSession{}, false
}

func (s *Store) SetPOSReference(ctx context.Context, sessionID uuid.UUID, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.st.sessions[sessionID]
	if !ok {
		return models.NotFoundError{Entity: "session", ID: sessionID.String()}
	}
	if sess.POSOrderReference != nil && *sess.POSOrderReference != ref {
		return models.ConflictError{Message: fmt.Sprintf("session %s already mirrors a different pos order", sessionID)}
	}
	sess.POSOrderReference = &ref
	s.st.sessions[sessionID] = sess
	return nil
}

func (s *Store) ListOrders(ctx context.Context, sessionID uuid.UUID) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []models.Order
	for _, o := range s.st.orders {
		if o.SessionID != sessionID {
			continue
		}
		o.Lines = nil
		for _, l := range s.st.lines {
			if l.OrderID == o.ID {
				o.Lines = append(o.Lines, l)
			}
		}
		sortLines(o.Lines)
		orders = append(orders, o)
	}
	sortOrders(orders)
	return orders, nil
}

func sortLines(lines []models.OrderLine) {
	sort.Slice(lines, func(i, j int) bool {
		if lines[i].Position == lines[j].Position {
			return lines[i].ID.String() < lines[j].ID.String()
		}
		return lines[i].Position < lines[j].Position
	})
}

func sortOrders(orders []models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].SubmittedAt.Equal(orders[j].SubmittedAt) {
			return orders[i].ID.String() < orders[j].ID.String()
		}
		return orders[i].SubmittedAt.Before(orders[j].SubmittedAt)
	})
}

func (s *Store) UnmirroredLines(ctx context.Context, sessionID uuid.UUID) ([]models.OrderLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var placed []models.Order
	for _, o := range s.st.orders {
		if o.SessionID == sessionID && o.Status == models.OrderPlaced {
			placed = append(placed, o)
		}
	}
	sortOrders(placed)

	var out []models.OrderLine
	for _, o := range placed {
		var lines []models.OrderLine
		for _, l := range s.st.lines {
			if l.OrderID == o.ID && !l.POSMirrored && l.FulfillmentStatus != models.FulfillmentCanceled {
				lines = append(lines, l)
			}
		}
		sortLines(lines)
		out = append(out, lines...)
	}
	return out, nil
}

func (s *Store) MarkLineMirrored(ctx context.Context, lineID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.st.lines[lineID]
	if !ok {
		return models.NotFoundError{Entity: "order line", ID: lineID.String()}
	}
	l.POSMirrored = true
	s.st.lines[lineID] = l
	return nil
}

func (s *Store) GetLine(ctx context.Context, lineID uuid.UUID) (*models.OrderLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.st.lines[lineID]
	if !ok {
		return nil, models.NotFoundError{Entity: "order line", ID: lineID.String()}
	}
	return &l, nil
}

func (s *Store) UpdateLineFulfillment(ctx context.Context, lineID uuid.UUID, from, to models.FulfillmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.st.lines[lineID]
	if !ok || l.FulfillmentStatus != from {
		return models.InvalidStateError{Entity: "order line", ID: lineID.String(), State: string(from), Message: "status changed concurrently"}
	}
	l.FulfillmentStatus = to
	s.st.lines[lineID] = l
	return nil
}

func (s *Store) ClaimEvents(ctx context.Context, workerID string, limit int, leaseUntil, now time.Time) ([]models.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []models.DomainEvent
	for _, e := range s.st.events {
		if e.Processed {
			continue
		}
		if e.ClaimExpiresAt != nil && !e.ClaimExpiresAt.Before(now) {
			continue
		}
		candidates = append(candidates, e)
	}
	sortEvents(candidates)
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]models.DomainEvent, 0, len(candidates))
	for _, e := range candidates {
		worker := workerID
		until := leaseUntil
		e.ClaimedBy = &worker
		e.ClaimExpiresAt = &until
		e.Attempts++
		s.st.events[e.ID] = e
		claimed = append(claimed, e)
	}
	return claimed, nil
}

func sortEvents(events []models.DomainEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}

func (s *Store) heldBy(eventID int64, workerID string) (models.DomainEvent, bool) {
	e, ok := s.st.events[eventID]
	if !ok || e.Processed || e.ClaimedBy == nil || *e.ClaimedBy != workerID {
		return e, false
	}
	return e, true
}

func (s *Store) MarkEventProcessed(ctx context.Context, eventID int64, workerID string, deadLettered bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.heldBy(eventID, workerID)
	if !ok {
		return store.ErrLeaseLost
	}
	e.Processed = true
	e.ProcessedAt = &at
	e.DeadLettered = deadLettered
	e.ClaimedBy = nil
	e.ClaimExpiresAt = nil
	s.st.events[eventID] = e
	return nil
}

func (s *Store) ReleaseEvent(ctx context.Context, eventID int64, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.heldBy(eventID, workerID)
	if !ok {
		return store.ErrLeaseLost
	}
	e.ClaimedBy = nil
	e.ClaimExpiresAt = nil
	s.st.events[eventID] = e
	return nil
}

func (s *Store) RequeueEvent(ctx context.Context, eventID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.events[eventID]
	if !ok {
		return models.NotFoundError{Entity: "event", ID: fmt.Sprint(eventID)}
	}
	e.Processed = false
	e.ProcessedAt = nil
	e.DeadLettered = false
	e.ClaimedBy = nil
	e.ClaimExpiresAt = nil
	s.st.events[eventID] = e

	for k, d := range s.st.deliveries {
		if k.eventID == eventID && (d.Status == models.DeliveryFailed || d.Status == models.DeliveryDead) {
			d.Status = models.DeliveryPending
			d.Attempts = 0
			d.UpdatedAt = s.now()
			s.st.deliveries[k] = d
		}
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id int64) (*models.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.events[id]
	if !ok {
		return nil, models.NotFoundError{Entity: "event", ID: fmt.Sprint(id)}
	}
	return &e, nil
}

func (s *Store) EventsByCorrelation(ctx context.Context, correlationID string) ([]models.DomainEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []models.DomainEvent
	for _, e := range s.st.events {
		if e.CorrelationID == correlationID {
			events = append(events, e)
		}
	}
	sortEvents(events)
	return events, nil
}

func (s *Store) AppendStandaloneEvent(ctx context.Context, e *models.DomainEvent) error {
	return s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.AppendEvent(ctx, e)
	})
}

func (s *Store) ListEndpoints(ctx context.Context, enabledOnly bool) ([]models.WebhookEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var endpoints []models.WebhookEndpoint
	for _, e := range s.st.endpoints {
		if enabledOnly && !e.Enabled {
			continue
		}
		endpoints = append(endpoints, e)
	}
	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].CreatedAt.Before(endpoints[j].CreatedAt)
	})
	return endpoints, nil
}

func (s *Store) CreateEndpoint(ctx context.Context, e *models.WebhookEndpoint, max int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.st.endpoints) >= max {
		return models.ConflictError{Message: fmt.Sprintf("at most %d webhook endpoints may be configured", max)}
	}
	s.st.endpoints[e.ID] = *e
	return nil
}

func (s *Store) SetEndpointEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.st.endpoints[id]
	if !ok {
		return models.NotFoundError{Entity: "endpoint", ID: id.String()}
	}
	e.Enabled = enabled
	s.st.endpoints[id] = e
	return nil
}

func (s *Store) DeleteEndpoint(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.endpoints[id]; !ok {
		return models.NotFoundError{Entity: "endpoint", ID: id.String()}
	}
	delete(s.st.endpoints, id)
	for k := range s.st.deliveries {
		if k.endpointID == id {
			delete(s.st.deliveries, k)
		}
	}
	return nil
}

func (s *Store) ListDeliveries(ctx context.Context, eventID int64) ([]models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deliveries []models.WebhookDelivery
	for k, d := range s.st.deliveries {
		if k.eventID == eventID {
			deliveries = append(deliveries, d)
		}
	}
	sort.Slice(deliveries, func(i, j int) bool {
		return deliveries[i].EndpointID.String() < deliveries[j].EndpointID.String()
	})
	return deliveries, nil
}

func (s *Store) RecordDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.events[d.EventID]; !ok {
		return models.NotFoundError{Entity: "event", ID: fmt.Sprint(d.EventID)}
	}
	s.st.deliveries[deliveryKey{eventID: d.EventID, endpointID: d.EndpointID}] = *d
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.st.sessions[id]; !ok {
		return models.NotFoundError{Entity: "session", ID: id.String()}
	}
	correlation := id.String()
	for eid, e := range s.st.events {
		if e.CorrelationID == correlation {
			delete(s.st.events, eid)
			for k := range s.st.deliveries {
				if k.eventID == eid {
					delete(s.st.deliveries, k)
				}
			}
		}
	}
	for lid, l := range s.st.lines {
		if l.SessionID == id {
			delete(s.st.lines, lid)
		}
	}
	for oid, o := range s.st.orders {
		if o.SessionID == id {
			delete(s.st.orders, oid)
		}
	}
	delete(s.st.sessions, id)
	return nil
}

// memTx operates on the locked state directly.
type memTx struct {
	st *state
}

func (t *memTx) LockSession(ctx context.Context, id uuid.UUID) (*models.OrderSession, error) {
	sess, ok := t.st.sessions[id]
	if !ok {
		return nil, models.NotFoundError{Entity: "session", ID: id.String()}
	}
	return &sess, nil
}

func (t *memTx) InsertSession(ctx context.Context, sess *models.OrderSession) error {
	if sess.Status == models.SessionActive {
		if _, exists := t.st.activeForRoom(sess.RoomNumber); exists {
			return models.ConflictError{Message: fmt.Sprintf("room %s already has an active session", sess.RoomNumber)}
		}
	}
	stored := *sess
	stored.TotalAmount = decimal.Zero
	stored.OrderCount = 0
	t.st.sessions[sess.ID] = stored
	return nil
}

func (t *memTx) UpdateSessionStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus, closedAt time.Time) error {
	sess, ok := t.st.sessions[id]
	if !ok || sess.Status != models.SessionActive {
		return models.InvalidStateError{Entity: "session", ID: id.String(), State: "terminal", Message: "session is no longer active"}
	}
	sess.Status = status
	sess.ClosedAt = &closedAt
	t.st.sessions[id] = sess
	return nil
}

func (t *memTx) AdjustSessionTotals(ctx context.Context, id uuid.UUID, amount decimal.Decimal, orders int) error {
	sess, ok := t.st.sessions[id]
	if !ok {
		return models.NotFoundError{Entity: "session", ID: id.String()}
	}
	sess.TotalAmount = sess.TotalAmount.Add(amount)
	sess.OrderCount += orders
	t.st.sessions[id] = sess
	return nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *models.Order) error {
	stored := *o
	stored.Lines = nil
	t.st.orders[o.ID] = stored
	for _, l := range o.Lines {
		t.st.lines[l.ID] = l
	}
	return nil
}

func (t *memTx) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	o, ok := t.st.orders[id]
	if !ok {
		return nil, models.NotFoundError{Entity: "order", ID: id.String()}
	}
	return &o, nil
}

func (t *memTx) CancelOrder(ctx context.Context, id uuid.UUID) error {
	o, ok := t.st.orders[id]
	if !ok || o.Status != models.OrderPlaced {
		return models.InvalidStateError{Entity: "order", ID: id.String(), State: string(models.OrderCanceled), Message: "order is already canceled"}
	}
	o.Status = models.OrderCanceled
	t.st.orders[id] = o
	for lid, l := range t.st.lines {
		if l.OrderID == id && l.FulfillmentStatus != models.FulfillmentDelivered {
			l.FulfillmentStatus = models.FulfillmentCanceled
			t.st.lines[lid] = l
		}
	}
	return nil
}

func (t *memTx) MarkOrdersSettled(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	for oid, o := range t.st.orders {
		if o.SessionID == sessionID && o.Status == models.OrderPlaced && o.SettledAt == nil {
			settled := at
			o.SettledAt = &settled
			t.st.orders[oid] = o
		}
	}
	return nil
}

func (t *memTx) AppendEvent(ctx context.Context, e *models.DomainEvent) error {
	t.st.nextEvent++
	e.ID = t.st.nextEvent
	t.st.events[e.ID] = *e
	return nil
}
