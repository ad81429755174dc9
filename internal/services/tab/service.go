// Package tab aggregates orders into a room's running tab.
package tab

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"roomtab-engine/internal/catalog"
	"roomtab-engine/internal/logger"
	"roomtab-engine/internal/models"
	"roomtab-engine/internal/outbox"
	"roomtab-engine/internal/store"
	"roomtab-engine/internal/validation"
)

// Sessions opens tabs on demand.
type Sessions interface {
	EnsureActive(ctx context.Context, room string) (*models.OrderSession, error)
}

// Mirror copies committed lines to the POS.
type Mirror interface {
	EnsureOrder(ctx context.Context, sessionID uuid.UUID) (string, error)
	VerifyItem(ctx context.Context, item catalog.Item)
}

// Service is the tab aggregator.
type Service struct {
	store    store.Store
	outbox   *outbox.Outbox
	catalog  catalog.Catalog
	sessions Sessions
	mirror   Mirror
	logger   *logger.Logger
	now      func() time.Time
}

// NewService creates a tab aggregator.
func NewService(s store.Store, ob *outbox.Outbox, cat catalog.Catalog, sessions Sessions, mirror Mirror, log *logger.Logger) *Service {
	return &Service{
		store:    s,
		outbox:   ob,
		catalog:  cat,
		sessions: sessions,
		mirror:   mirror,
		logger:   log,
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type resolvedLine struct {
	line models.OrderLine
	item catalog.Item
}

// AddOrder records an order against an active session. The order, its
// lines, the session running total and one order_created event commit
// together; the POS mirror runs afterwards and only logs failures.
func (s *Service) AddOrder(ctx context.Context, sessionID uuid.UUID, submittedBy string, lines []models.LineInput) (*models.Order, error) {
	if err := validation.ValidateOrder(submittedBy, lines); err != nil {
		return nil, err
	}

	order := &models.Order{
		ID:          uuid.New(),
		SessionID:   sessionID,
		Status:      models.OrderPlaced,
		SubmittedAt: s.now(),
	}
	if submittedBy != "" {
		order.SubmittedBy = &submittedBy
	}

	resolved, err := s.resolveLines(ctx, order, lines)
	if err != nil {
		return nil, err
	}
	for _, r := range resolved {
		order.Lines = append(order.Lines, r.line)
	}
	order.TotalAmount = models.SumLines(order.Lines)

	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sess, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != models.SessionActive {
			return models.InvalidStateError{
				Entity:  "session",
				ID:      sessionID.String(),
				State:   string(sess.Status),
				Message: "orders can only be added to an active session",
			}
		}
		order.RoomNumber = sess.RoomNumber

		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := tx.AdjustSessionTotals(ctx, sessionID, order.TotalAmount, 1); err != nil {
			return err
		}
		_, err = s.outbox.Append(ctx, tx, sessionID.String(), models.EventOrderCreated, orderCreatedPayload(order))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order_added", fmt.Sprintf("Order added to room %s tab", order.RoomNumber), sessionID.String(), map[string]interface{}{
		"order_id":     order.ID.String(),
		"total_amount": order.TotalAmount.StringFixed(2),
		"line_count":   len(order.Lines),
	})

	s.mirrorOrder(ctx, order, resolved)
	return order, nil
}

// PlaceOrderForRoom adds an order to the room's active session, opening
// one first when the room has none.
func (s *Service) PlaceOrderForRoom(ctx context.Context, room, submittedBy string, lines []models.LineInput) (*models.Order, error) {
	if err := validation.ValidateOrder(submittedBy, lines); err != nil {
		return nil, err
	}
	sess, err := s.sessions.EnsureActive(ctx, room)
	if err != nil {
		return nil, err
	}
	return s.AddOrder(ctx, sess.ID, submittedBy, lines)
}

func (s *Service) resolveLines(ctx context.Context, order *models.Order, lines []models.LineInput) ([]resolvedLine, error) {
	resolved := make([]resolvedLine, 0, len(lines))
	for i, in := range lines {
		item, err := s.catalog.Lookup(ctx, in.CatalogItemReference)
		if err != nil {
			if models.IsNotFound(err) {
				return nil, models.ValidationError{
					Field:   fmt.Sprintf("lines[%d].catalog_item_reference", i),
					Message: fmt.Sprintf("unknown catalog item %s", in.CatalogItemReference),
				}
			}
			return nil, fmt.Errorf("failed to look up catalog item %s: %w", in.CatalogItemReference, err)
		}

		price := in.UnitPrice
		if price.IsZero() {
			price = item.Price
		}
		line := models.OrderLine{
			ID:                   uuid.New(),
			OrderID:              order.ID,
			SessionID:            order.SessionID,
			CatalogItemReference: item.Ref,
			ItemName:             item.Name,
			UnitPrice:            price,
			Quantity:             in.Quantity,
			Note:                 in.Note,
			FulfillmentStatus:    models.FulfillmentOrdered,
			Position:             i,
		}
		line.Subtotal = line.ComputeSubtotal()
		resolved = append(resolved, resolvedLine{line: line, item: item})
	}
	return resolved, nil
}

func orderCreatedPayload(o *models.Order) models.OrderCreatedPayload {
	items := make([]models.EventItem, 0, len(o.Lines))
	for _, l := range o.Lines {
		items = append(items, models.EventItem{Name: l.ItemName, Quantity: l.Quantity, Subtotal: l.Subtotal})
	}
	p := models.OrderCreatedPayload{
		SessionID:   o.SessionID.String(),
		OrderID:     o.ID.String(),
		RoomNumber:  o.RoomNumber,
		TotalAmount: o.TotalAmount,
		Items:       items,
		SubmittedAt: o.SubmittedAt,
	}
	if o.SubmittedBy != nil {
		p.SubmittedBy = *o.SubmittedBy
	}
	return p
}

// mirrorOrder pushes the session's unmirrored lines to the POS. Lines left
// behind by a failure here go out with the next order or at settlement.
func (s *Service) mirrorOrder(ctx context.Context, order *models.Order, resolved []resolvedLine) {
	for _, r := range resolved {
		s.mirror.VerifyItem(ctx, r.item)
	}

	ref, err := s.mirror.EnsureOrder(ctx, order.SessionID)
	switch {
	case err == nil:
	case models.IsInvalidState(err):
		s.logger.Info("pos_mirror_skipped", "Session closed before its order reached the POS", order.SessionID.String(), map[string]interface{}{
			"order_id": order.ID.String(),
		})
	default:
		s.logger.Error("pos_mirror_failed", "Failed to mirror order to POS, will retry with the next sync", order.SessionID.String(), err, map[string]interface{}{
			"order_id":            order.ID.String(),
			"pos_order_reference": ref,
		})
	}
}

// Snapshot recomputes a tab from its stored placed orders. Canceled orders
// and canceled lines are left out.
func (s *Service) Snapshot(ctx context.Context, sessionID uuid.UUID) (*models.TabSnapshot, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	orders, err := s.store.ListOrders(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	snap := &models.TabSnapshot{
		SessionID:  sess.ID,
		RoomNumber: sess.RoomNumber,
		Status:     sess.Status,
		Lines:      []models.TabLine{},
		Subtotal:   decimal.Zero,
	}
	for _, o := range orders {
		if o.Status != models.OrderPlaced {
			continue
		}
		snap.OrderCount++
		for _, l := range o.Lines {
			if l.FulfillmentStatus == models.FulfillmentCanceled {
				continue
			}
			subtotal := s.lineSubtotal(ctx, l)
			snap.Lines = append(snap.Lines, models.TabLine{
				LineID:               l.ID,
				OrderID:              o.ID,
				CatalogItemReference: l.CatalogItemReference,
				ItemName:             l.ItemName,
				UnitPrice:            l.UnitPrice,
				Quantity:             l.Quantity,
				Subtotal:             subtotal,
				Note:                 l.Note,
				FulfillmentStatus:    l.FulfillmentStatus,
			})
			snap.Subtotal = snap.Subtotal.Add(subtotal)
		}
	}
	return snap, nil
}

// lineSubtotal trusts a stored subtotal and otherwise recomputes it, using
// the live catalog price when the line carries none.
func (s *Service) lineSubtotal(ctx context.Context, l models.OrderLine) decimal.Decimal {
	if !l.Subtotal.IsZero() {
		return l.Subtotal
	}
	if !l.UnitPrice.IsZero() {
		return l.ComputeSubtotal()
	}
	item, err := s.catalog.Lookup(ctx, l.CatalogItemReference)
	if err != nil {
		return decimal.Zero
	}
	return item.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// CancelOrder cancels a placed order of an active session, takes it off the
// running total and records one order_canceled event.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var canceled *models.Order
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		sess, err := tx.LockSession(ctx, order.SessionID)
		if err != nil {
			return err
		}
		if sess.Status != models.SessionActive {
			return models.InvalidStateError{Entity: "session", ID: sess.ID.String(), State: string(sess.Status), Message: "orders of a closed session cannot be canceled"}
		}
		if order.Status != models.OrderPlaced {
			return models.InvalidStateError{Entity: "order", ID: orderID.String(), State: string(order.Status), Message: "only a placed order can be canceled"}
		}

		if err := tx.CancelOrder(ctx, orderID); err != nil {
			return err
		}
		if err := tx.AdjustSessionTotals(ctx, sess.ID, order.TotalAmount.Neg(), -1); err != nil {
			return err
		}
		payload := models.OrderCanceledPayload{
			SessionID:   sess.ID.String(),
			OrderID:     orderID.String(),
			RoomNumber:  sess.RoomNumber,
			TotalAmount: order.TotalAmount,
		}
		if _, err := s.outbox.Append(ctx, tx, sess.ID.String(), models.EventOrderCanceled, payload); err != nil {
			return err
		}
		order.Status = models.OrderCanceled
		canceled = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order_canceled", fmt.Sprintf("Order %s canceled", orderID), canceled.SessionID.String(), map[string]interface{}{
		"total_amount": canceled.TotalAmount.StringFixed(2),
	})
	return canceled, nil
}

// SetLineFulfillment advances a line through ordered, ready and delivered.
func (s *Service) SetLineFulfillment(ctx context.Context, lineID uuid.UUID, next models.FulfillmentStatus) (*models.OrderLine, error) {
	line, err := s.store.GetLine(ctx, lineID)
	if err != nil {
		return nil, err
	}
	if !line.FulfillmentStatus.CanAdvanceTo(next) {
		return nil, models.InvalidStateError{
			Entity:  "order line",
			ID:      lineID.String(),
			State:   string(line.FulfillmentStatus),
			Message: fmt.Sprintf("cannot move to %s", next),
		}
	}
	if err := s.store.UpdateLineFulfillment(ctx, lineID, line.FulfillmentStatus, next); err != nil {
		return nil, err
	}

	s.logger.Debug("line_fulfillment_changed", fmt.Sprintf("Line moved from %s to %s", line.FulfillmentStatus, next), line.SessionID.String(), map[string]interface{}{
		"line_id": lineID.String(),
	})
	line.FulfillmentStatus = next
	return line, nil
}
