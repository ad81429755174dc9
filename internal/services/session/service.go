// Package session manages the lifecycle of room tabs: opening, settling
// and closing.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"roomtab-engine/internal/logger"
	"roomtab-engine/internal/models"
	"roomtab-engine/internal/outbox"
	"roomtab-engine/internal/store"
	"roomtab-engine/internal/validation"
)

// POS is the part of the POS adapter sessions use.
type POS interface {
	EnsureOrder(ctx context.Context, sessionID uuid.UUID) (string, error)
	SettleCash(ctx context.Context, ref string, amount decimal.Decimal) (string, error)
	Void(ctx context.Context, ref string) error
}

// Service is the session manager.
type Service struct {
	store  store.Store
	outbox *outbox.Outbox
	pos    POS
	logger *logger.Logger
	now    func() time.Time
}

// NewService creates a session manager.
func NewService(s store.Store, ob *outbox.Outbox, pos POS, log *logger.Logger) *Service {
	return &Service{
		store:  s,
		outbox: ob,
		pos:    pos,
		logger: log,
		now:    time.Now,
	}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Open starts a new tab for room.
func (s *Service) Open(ctx context.Context, room string) (*models.OrderSession, error) {
	if err := validation.ValidateRoomNumber(room); err != nil {
		return nil, err
	}

	sess := &models.OrderSession{
		ID:          uuid.New(),
		RoomNumber:  room,
		Status:      models.SessionActive,
		OpenedAt:    s.now(),
		TotalAmount: decimal.Zero,
	}

	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("session_opened", fmt.Sprintf("Session opened for room %s", room), sess.ID.String(), map[string]interface{}{
		"room_number": room,
	})
	return sess, nil
}

// Get loads a session.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.OrderSession, error) {
	return s.store.GetSession(ctx, id)
}

// ActiveForRoom returns the active session of room or a NotFoundError.
func (s *Service) ActiveForRoom(ctx context.Context, room string) (*models.OrderSession, error) {
	return s.store.ActiveSessionForRoom(ctx, room)
}

// EnsureActive returns the room's active session, opening one when there
// is none. Two concurrent callers end up with the same session.
func (s *Service) EnsureActive(ctx context.Context, room string) (*models.OrderSession, error) {
	sess, err := s.store.ActiveSessionForRoom(ctx, room)
	if err == nil {
		return sess, nil
	}
	if !models.IsNotFound(err) {
		return nil, err
	}

	sess, err = s.Open(ctx, room)
	if models.IsConflict(err) {
		return s.store.ActiveSessionForRoom(ctx, room)
	}
	return sess, err
}

// Close moves an active session to completed (settled) or force_closed and
// records one session_closed event in the same transaction. A force-closed
// session's POS order is voided afterwards.
func (s *Service) Close(ctx context.Context, id uuid.UUID, settled bool) (*models.OrderSession, error) {
	next := models.SessionForceClosed
	if settled {
		next = models.SessionCompleted
	}

	var closed *models.OrderSession
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sess, err := tx.LockSession(ctx, id)
		if err != nil {
			return err
		}
		if !sess.CanTransitionTo(next) {
			return models.InvalidStateError{
				Entity:  "session",
				ID:      id.String(),
				State:   string(sess.Status),
				Message: "only an active session can be closed",
			}
		}

		closedAt := s.now()
		if err := tx.UpdateSessionStatus(ctx, id, next, closedAt); err != nil {
			return err
		}
		sess.Status = next
		sess.ClosedAt = &closedAt

		payload := models.SessionClosedPayload{
			SessionID:   id.String(),
			RoomNumber:  sess.RoomNumber,
			Status:      next,
			TotalAmount: sess.TotalAmount,
			OrderCount:  sess.OrderCount,
			ClosedAt:    closedAt,
		}
		if sess.POSOrderReference != nil {
			payload.POSOrderReference = *sess.POSOrderReference
		}
		if _, err := s.outbox.Append(ctx, tx, id.String(), models.EventSessionClosed, payload); err != nil {
			return err
		}
		closed = sess
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("session_closed", fmt.Sprintf("Session for room %s is %s", closed.RoomNumber, next), id.String(), map[string]interface{}{
		"room_number":  closed.RoomNumber,
		"status":       next,
		"total_amount": closed.TotalAmount.StringFixed(2),
		"order_count":  closed.OrderCount,
	})

	if !settled && closed.POSOrderReference != nil {
		if err := s.pos.Void(ctx, *closed.POSOrderReference); err != nil {
			s.logger.Error("pos_void_failed", "Failed to void POS order of force-closed session", id.String(), err, map[string]interface{}{
				"pos_order_reference": *closed.POSOrderReference,
			})
		}
	}
	return closed, nil
}

// Settle pays the session total in cash on the POS and stamps the placed
// orders as settled. Lines that never reached the POS are added first, so
// the hosted order matches the tab being paid. The session stays active;
// Close finishes it.
func (s *Service) Settle(ctx context.Context, id uuid.UUID) (string, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	if sess.Status != models.SessionActive {
		return "", models.InvalidStateError{Entity: "session", ID: id.String(), State: string(sess.Status), Message: "only an active session can be settled"}
	}
	if sess.OrderCount == 0 {
		return "", models.InvalidStateError{Entity: "session", ID: id.String(), State: string(sess.Status), Message: "session has no orders to settle"}
	}

	ref, err := s.pos.EnsureOrder(ctx, id)
	if err != nil {
		s.logger.Error("pos_sync_failed", "POS order is behind the tab, not settling", id.String(), err, map[string]interface{}{
			"total_amount": sess.TotalAmount.StringFixed(2),
		})
		return "", err
	}

	paymentRef, err := s.pos.SettleCash(ctx, ref, sess.TotalAmount)
	if err != nil {
		s.logger.Error("pos_settle_failed", "Failed to settle session on POS", id.String(), err, map[string]interface{}{
			"pos_order_reference": ref,
			"total_amount":        sess.TotalAmount.StringFixed(2),
		})
		return "", err
	}

	settledAt := s.now()
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.MarkOrdersSettled(ctx, id, settledAt)
	})
	if err != nil {
		return paymentRef, fmt.Errorf("payment %s recorded on POS but orders not stamped: %w", paymentRef, err)
	}

	s.logger.Info("session_settled", fmt.Sprintf("Session for room %s settled", sess.RoomNumber), id.String(), map[string]interface{}{
		"payment_reference": paymentRef,
		"total_amount":      sess.TotalAmount.StringFixed(2),
	})
	return paymentRef, nil
}

// Checkout settles and then closes the session normally. A failed
// settlement is logged and does not stop the close.
func (s *Service) Checkout(ctx context.Context, id uuid.UUID) (*models.OrderSession, string, error) {
	paymentRef, err := s.Settle(ctx, id)
	if err != nil {
		if models.IsNotFound(err) {
			return nil, "", err
		}
		s.logger.Error("checkout_settle_skipped", "Closing session without POS settlement", id.String(), err, nil)
	}

	sess, err := s.Close(ctx, id, true)
	if err != nil {
		return nil, paymentRef, err
	}
	return sess, paymentRef, nil
}
